package aggregator

// keySet assigns dense, first-seen indices to partition or explicit hash keys.
type keySet struct {
	index map[string]int
	keys  []string
}

func newKeySet() keySet {
	return keySet{index: make(map[string]int)}
}

// potentialIndex returns the index key has, or would get if added now.
func (s *keySet) potentialIndex(key string) int {
	if i, ok := s.index[key]; ok {
		return i
	}
	return len(s.keys)
}

func (s *keySet) contains(key string) bool {
	_, ok := s.index[key]
	return ok
}

// add registers key if needed and returns its index.
func (s *keySet) add(key string) int {
	if i, ok := s.index[key]; ok {
		return i
	}
	i := len(s.keys)
	s.index[key] = i
	s.keys = append(s.keys, key)
	return i
}

func (s *keySet) clear() {
	clear(s.index)
	s.keys = nil
}
