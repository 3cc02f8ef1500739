package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heisenbridge-go/heisenbridge/internal/appservice"
	"github.com/heisenbridge-go/heisenbridge/internal/bridge"
	"github.com/heisenbridge-go/heisenbridge/internal/config"
	"github.com/heisenbridge-go/heisenbridge/internal/identd"
	"github.com/heisenbridge-go/heisenbridge/internal/matrixclient"
	"github.com/heisenbridge-go/heisenbridge/internal/puppetcache"

	"maunium.net/go/mautrix/id"
)

// buildVersion is set at link time via -ldflags, matching the teacher's own
// version-stamping convention.
var buildVersion = "dev"

func main() {
	registrationPath := flag.String("registration", "", "path to appservice registration file (default: "+config.DefaultRegistrationPath()+")")
	dbPath := flag.String("db", "", "path to the local puppet cache sqlite db (default: "+config.DefaultDBPath()+")")
	homeserverURL := flag.String("homeserver-url", "", "homeserver client-server API base URL, e.g. http://localhost:8008")
	serverName := flag.String("server-name", "", "homeserver server name, e.g. example.org")
	listen := flag.String("listen", "0.0.0.0:9898", "address the appservice HTTP listener binds")
	generate := flag.Bool("generate-registration", false, "write a fresh registration file and exit")
	puppetPrefix := flag.String("puppet-prefix", "irc_", "puppet localpart prefix used when generating a registration")
	senderLocalpart := flag.String("sender-localpart", "ircbot", "bridge bot localpart used when generating a registration")
	noIdentd := flag.Bool("no-identd", false, "disable the RFC1413 ident responder on port 113")
	owner := flag.String("owner", "", "mxid to assign as the bridge owner, overriding invite bootstrap")
	reset := flag.Bool("reset", false, "leave and forget every joined room, wipe the bridge config, and exit")
	wsTransport := flag.Bool("websocket", false, "use the fi.mau.as_sync websocket transport instead of listening for PUT /transactions")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("heisenbridge-go %s\n", buildVersion)
		os.Exit(0)
	}

	if *registrationPath == "" {
		*registrationPath = config.DefaultRegistrationPath()
	}
	if *dbPath == "" {
		*dbPath = config.DefaultDBPath()
	}

	if *generate {
		if err := config.EnsureDir(*registrationPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to prepare registration path: %v\n", err)
			os.Exit(1)
		}
		reg, err := config.GenerateRegistration(*registrationPath, "heisenbridge-go", fmt.Sprintf("http://%s", *listen), *puppetPrefix, senderLocalpartOrDefault(*senderLocalpart))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate registration: %v\n", err)
			os.Exit(1)
		}
		log.Printf("wrote registration for namespace @%s.* to %s", reg.PuppetPrefix, *registrationPath)
		os.Exit(0)
	}

	bridge.SetVersion(buildVersion)
	log.Printf("heisenbridge-go %s starting", buildVersion)

	reg, err := config.LoadRegistration(*registrationPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load registration: %v\n", err)
		os.Exit(1)
	}

	if *homeserverURL == "" || *serverName == "" {
		fmt.Fprintln(os.Stderr, "--homeserver-url and --server-name are required")
		os.Exit(1)
	}

	selfUserID := id.UserID(fmt.Sprintf("@%s:%s", reg.SenderLocalpart, *serverName))
	client, err := matrixclient.New(*homeserverURL, selfUserID, reg.ASToken, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create matrix client: %v\n", err)
		os.Exit(1)
	}

	if err := config.EnsureDir(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare puppet cache path: %v\n", err)
		os.Exit(1)
	}
	cache, err := puppetcache.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open puppet cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	br, err := bridge.NewWithPuppetCache(*serverName, selfUserID, reg, client, cache)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize bridge: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	whoami, err := client.GetUserWhoami(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whoami against the homeserver failed: %v\n", err)
		os.Exit(1)
	}
	if whoami != selfUserID {
		fmt.Fprintf(os.Stderr, "registration resolves to %s but the homeserver reports %s, check sender_localpart and --server-name\n", selfUserID, whoami)
		os.Exit(1)
	}

	if *reset {
		if err := br.Reset(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
			os.Exit(1)
		}
		log.Printf("bridge reset: all rooms left and config wiped")
		os.Exit(0)
	}

	if err := br.LoadConfig(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load bridge config: %v\n", err)
		os.Exit(1)
	}

	if *owner != "" && br.Config().Owner != *owner {
		br.Config().Owner = *owner
		if err := br.SaveConfig(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to persist owner: %v\n", err)
			os.Exit(1)
		}
		log.Printf("owner set to %s from command line", *owner)
	}

	if err := br.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap rooms: %v\n", err)
		os.Exit(1)
	}
	log.Printf("bootstrap complete: owner=%q networks=%d", br.Config().Owner, len(br.Config().Networks))

	if !*noIdentd {
		go func() {
			srv := identd.New(br)
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Printf("[identd] stopped: %v", err)
			}
		}()
	}

	as := appservice.New(*listen, reg, br)
	if *wsTransport {
		if err := as.RunWebsocket(ctx, *homeserverURL); err != nil {
			fmt.Fprintf(os.Stderr, "appservice websocket transport error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := as.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "appservice server error: %v\n", err)
		os.Exit(1)
	}
}

func senderLocalpartOrDefault(v string) string {
	if v == "" {
		return "ircbot"
	}
	return v
}
