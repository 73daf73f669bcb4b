package broker

import "log/slog"

// registry is the domain -> ordered connection list table described in
// spec section 3 and 4.6: an insertion-ordered deque per domain, rotated by
// one connection on every dispatch for round-robin fairness. It is only
// ever touched from the broker's actor goroutine (see broker.go), so it
// carries no locking of its own -- the single-goroutine-owner discipline
// spec section 5 calls for.
//
// Grounded on broker.py's __connections_by_domain (a collections.deque per
// domain) and __get_connection_for's deque.rotate(-1) dispatch.
type registry struct {
	byDomain map[string][]*Connection
	logger   *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		byDomain: make(map[string][]*Connection),
		logger:   logger,
	}
}

// register adds connection as a server of domain, appending it to the tail
// of that domain's deque. Logs "domain available" the first time a domain
// gains a connection.
func (r *registry) register(conn *Connection, domain string) {
	list := r.byDomain[domain]

	if len(list) == 0 {
		r.logger.Info("domain is now available", "domain", domain)
	}

	r.byDomain[domain] = append(list, conn)
}

// unregister removes connection from domain's deque. If the deque becomes
// empty, the domain entry is deleted and "domain unavailable" is logged.
func (r *registry) unregister(conn *Connection, domain string) {
	list := r.byDomain[domain]

	for i, c := range list {
		if c == conn {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(r.byDomain, domain)
		r.logger.Info("domain is now unavailable", "domain", domain)
		return
	}

	r.byDomain[domain] = list
}

// next returns the connection currently at the head of domain's deque and
// rotates the deque by one, so repeated calls fan out round-robin across
// every connection serving the domain. Returns ok=false if no connection
// serves domain.
func (r *registry) next(domain string) (*Connection, bool) {
	list := r.byDomain[domain]
	if len(list) == 0 {
		return nil, false
	}

	head := list[0]
	r.byDomain[domain] = append(list[1:], head)

	return head, true
}

// has reports whether domain currently has at least one serving connection,
// without rotating the deque -- used by the `query` command, which is a
// pure presence check per spec section 4.3/9.
func (r *registry) has(domain string) bool {
	return len(r.byDomain[domain]) > 0
}

// removeConnection removes conn from every domain it served, used on
// teardown. Returns the list of domains it was removed from.
func (r *registry) removeConnection(conn *Connection) []string {
	var removed []string

	for domain := range conn.domains {
		r.unregister(conn, domain)
		removed = append(removed, domain)
	}

	return removed
}
