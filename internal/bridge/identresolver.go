package bridge

// Lookup implements identd.Resolver: it scans every live network connection
// for one whose local/remote port pair matches, and returns the owning
// user's configured ident string (or their IRC username as a fallback),
// per §4.I.
func (b *Bridge) Lookup(localPort, remotePort int) (string, bool) {
	b.mu.Lock()
	var candidates []*NetworkRoom
	for _, byName := range b.networks {
		for _, nr := range byName {
			candidates = append(candidates, nr)
		}
	}
	b.mu.Unlock()

	for _, nr := range candidates {
		conn := nr.Conn()
		if conn == nil || !conn.Connected() {
			continue
		}
		if conn.LocalPort() != localPort || conn.RemotePort() != remotePort {
			continue
		}

		cfg := b.Config()
		if ident, ok := cfg.Idents[string(nr.UserID)]; ok && ident != "" {
			return ident, true
		}
		return nr.Username, true
	}

	return "", false
}
