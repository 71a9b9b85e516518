package acl

// Policy pairs an optional accept map and an optional deny map: if an
// accept map is present the MAC must be a member, and if a deny map is
// present the MAC must not be. Deny wins over accept.
type Policy struct {
	Accept *Map
	Deny   *Map
}

// Allow reports whether addr is permitted under this policy.
func (p Policy) Allow(addr Addr) bool {
	if p.Deny != nil && p.Deny.Contains(addr) {
		return false
	}
	if p.Accept != nil && !p.Accept.Contains(addr) {
		return false
	}
	return true
}
