package dblevel

import "github.com/setavenger/blindbit-statedb/internal/logging"

func (s *Store) Close() error {
	err := s.DB.Close()
	if err != nil {
		logging.L.Err(err).Msg("error closing leveldb")
		return err
	}
	logging.L.Info().Msg("leveldb closed")
	return nil
}
