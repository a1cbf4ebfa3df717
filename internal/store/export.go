package store

import "github.com/pavelanni/sqlprobe/internal/model"

// ExportAllSessions returns every stored session's turn log, grouped by
// session id in first-seen order.
func (s *Store) ExportAllSessions() ([]model.SessionExport, error) {
	rows, err := s.db.Query(
		`SELECT session_id FROM session_turns GROUP BY session_id ORDER BY MIN(id)`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var exports []model.SessionExport
	for _, id := range ids {
		turns, err := s.Turns(id)
		if err != nil {
			return nil, err
		}
		exports = append(exports, model.SessionExport{
			SessionID: id,
			Turns:     turns,
		})
	}
	return exports, nil
}
