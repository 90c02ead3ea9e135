package dbpebble

import (
	"github.com/cockroachdb/pebble"
)

// ForEachMeta calls fn for every meta entry in key order. key and val are
// only valid during the call.
func (s *Store) ForEachMeta(fn func(key, val []byte) error) error {
	return s.forEach(KMeta, fn)
}

func (s *Store) forEach(prefix byte, fn func(key, val []byte) error) error {
	lb, ub := BoundsColumn(prefix)
	it, err := s.DB.NewIter(&pebble.IterOptions{LowerBound: lb, UpperBound: ub})
	if err != nil {
		return err
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Key()[1:], it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *Store) countColumn(prefix byte) (int, error) {
	lb, ub := BoundsColumn(prefix)
	it, err := s.DB.NewIter(&pebble.IterOptions{LowerBound: lb, UpperBound: ub})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	count := 0
	for ok := it.First(); ok; ok = it.Next() {
		count++
	}
	return count, it.Error()
}

// CountKeys counts the entries of both columns.
func (s *Store) CountKeys() (nodes, meta int, err error) {
	if nodes, err = s.countColumn(KNode); err != nil {
		return 0, 0, err
	}
	if meta, err = s.countColumn(KMeta); err != nil {
		return 0, 0, err
	}
	return nodes, meta, nil
}
