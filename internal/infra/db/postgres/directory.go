package postgres

import (
	"context"
	"database/sql"
	"errors"

	"supportchat/internal/domain/participant"
)

// Directory reads participant profiles from the participants table.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) Lookup(ctx context.Context, id string) (participant.Profile, error) {
	var p participant.Profile
	err := d.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar_url, role FROM participants WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &p.AvatarURL, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return participant.Profile{}, participant.ErrUnknown
	}
	if err != nil {
		return participant.Profile{}, wrapErr("lookup participant", err)
	}
	return p, nil
}

func (d *Directory) Upsert(ctx context.Context, p participant.Profile) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO participants (id, display_name, avatar_url, role) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name,
		     avatar_url = EXCLUDED.avatar_url, role = EXCLUDED.role`,
		p.ID, p.DisplayName, p.AvatarURL, string(p.Role))
	return wrapErr("upsert participant", err)
}

var _ participant.Directory = (*Directory)(nil)
