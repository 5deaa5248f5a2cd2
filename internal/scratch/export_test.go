package scratch

// Root returns the shared directory the Space writes into.
func (s *Space) Root() string { return s.root }
