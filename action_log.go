package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type DBDialect string

const (
	dialectSQLite   DBDialect = "sqlite"
	dialectPostgres DBDialect = "postgres"
)

// Sentinel errors returned by the action log. Callers branch on these to
// pick status codes; everything else is an internal failure.
var (
	ErrSequenceConflict = errors.New("action log: sequence number already taken")
	ErrGameEnded        = errors.New("action log: game already ended")
	ErrNoActiveGame     = errors.New("action log: no active game")
	ErrNoCompletedGame  = errors.New("action log: no completed game")
	ErrInvalidAction    = errors.New("action log: invalid action")
	ErrScoreExists      = errors.New("action log: score already submitted for game")
)

// ActionLog is the append-only store of record. Every game mutation is an
// immutable sequence-numbered row in game_actions; rows are never updated
// or deleted, so the full history of a game is always reconstructable.
type ActionLog struct {
	dialect DBDialect
	db      *sql.DB
}

// openActionLog opens the configured database, applies pending migrations
// and verifies connectivity.
func openActionLog(cfg Config) (*ActionLog, error) {
	var driverName string
	var dsn string
	switch cfg.DBDialect {
	case dialectSQLite:
		driverName = "sqlite"
		path := cfg.SQLitePath
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn = path
	case dialectPostgres:
		driverName = "pgx"
		dsn = cfg.PostgresDSN
		if dsn == "" {
			return nil, errors.New("DB_DIALECT=postgres requires DB_POSTGRES_DSN or DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DIALECT %q", cfg.DBDialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDialect, err)
	}
	if cfg.DBDialect == dialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.DBDialect, err)
	}

	log := &ActionLog{dialect: cfg.DBDialect, db: db}
	if err := log.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *ActionLog) Close() error { return l.db.Close() }

func (l *ActionLog) bind(pos int) string {
	if l.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (l *ActionLog) insertQuery(table string, cols []string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = l.bind(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(cols, ", "),
		strings.Join(ph, ", "),
	)
}

func (l *ActionLog) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := l.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := l.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	pattern := fmt.Sprintf("migrations/%s/*.sql", l.dialect)
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := l.insertQuery("schema_migrations", []string{"version", "applied_at"})
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// isUniqueViolation detects a unique-index insert failure on either
// dialect. A violation on (game_id, sequence_number) means a concurrent
// writer claimed the sequence first.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

const actionColumns = "id, game_id, player_id, action_type, action_data, sequence_number, created_at, full_game_state, game_ended_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var a Action
	var dataRaw, stateRaw string
	var endedAt sql.NullTime
	err := row.Scan(&a.ID, &a.GameID, &a.PlayerID, &a.Type, &dataRaw, &a.Sequence, &a.CreatedAt, &stateRaw, &endedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataRaw), &a.Data); err != nil {
		return nil, fmt.Errorf("decode action data: %w", err)
	}
	if err := json.Unmarshal([]byte(stateRaw), &a.State); err != nil {
		return nil, fmt.Errorf("decode game state: %w", err)
	}
	if endedAt.Valid {
		a.GameEndedAt = endedAt.Time
	}
	return &a, nil
}

func asJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (l *ActionLog) insertAction(ctx context.Context, tx *sql.Tx, a *Action) error {
	q := l.insertQuery("game_actions", []string{
		"id", "game_id", "player_id", "action_type", "action_data",
		"sequence_number", "created_at", "full_game_state", "game_ended_at",
	})
	var endedAt any
	if !a.GameEndedAt.IsZero() {
		endedAt = a.GameEndedAt
	}
	_, err := tx.ExecContext(ctx, q,
		a.ID, a.GameID, a.PlayerID, string(a.Type), asJSON(a.Data),
		a.Sequence, a.CreatedAt, asJSON(a.State), endedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert game action: %w", err)
	}
	return nil
}

// StartGame appends sequence 1 of a brand-new game and returns the stored
// row. The game id is minted here; the caller only supplies the player.
func (l *ActionLog) StartGame(ctx context.Context, playerID string, action GameAction, state GameState) (*Action, error) {
	if action.Type != actionStart || !validateAction(action) {
		return nil, ErrInvalidAction
	}
	a := &Action{
		ID:        uuid.NewString(),
		GameID:    uuid.NewString(),
		PlayerID:  playerID,
		Type:      action.Type,
		Data:      action.Data,
		Sequence:  1,
		CreatedAt: time.Now().UTC(),
		State:     state,
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin start tx: %w", err)
	}
	if err := l.insertAction(ctx, tx, a); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit start tx: %w", err)
	}
	return a, nil
}

// append claims the next sequence number for a game and inserts one row.
// The read and the insert share a transaction; if another writer claims
// the same sequence first, the unique index rejects the insert and the
// caller gets ErrSequenceConflict to retry against the fresh state.
func (l *ActionLog) append(ctx context.Context, gameID, playerID string, action GameAction, state GameState, endedAt time.Time) (*Action, error) {
	if !validateAction(action) {
		return nil, ErrInvalidAction
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}

	q := fmt.Sprintf(
		"SELECT action_type, sequence_number FROM game_actions WHERE game_id = %s ORDER BY sequence_number DESC LIMIT 1",
		l.bind(1),
	)
	var latestType string
	var latestSeq int
	err = tx.QueryRowContext(ctx, q, gameID).Scan(&latestType, &latestSeq)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, ErrNoActiveGame
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("read latest action: %w", err)
	}
	if ActionType(latestType) == actionEnd {
		_ = tx.Rollback()
		return nil, ErrGameEnded
	}

	a := &Action{
		ID:          uuid.NewString(),
		GameID:      gameID,
		PlayerID:    playerID,
		Type:        action.Type,
		Data:        action.Data,
		Sequence:    latestSeq + 1,
		CreatedAt:   time.Now().UTC(),
		State:       state,
		GameEndedAt: endedAt,
	}
	if err := l.insertAction(ctx, tx, a); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return a, nil
}

// UpdateGameState appends a non-terminal action to an open game.
func (l *ActionLog) UpdateGameState(ctx context.Context, gameID, playerID string, action GameAction, state GameState) (*Action, error) {
	if action.Type == actionEnd {
		return nil, ErrInvalidAction
	}
	return l.append(ctx, gameID, playerID, action, state, time.Time{})
}

// EndGame appends the single terminal action of a game. After this append
// every further write is rejected with ErrGameEnded; prior rows are left
// untouched.
func (l *ActionLog) EndGame(ctx context.Context, gameID, playerID string, action GameAction, state GameState) (*Action, error) {
	if action.Type != actionEnd {
		return nil, ErrInvalidAction
	}
	return l.append(ctx, gameID, playerID, action, state, time.Now().UTC())
}

// GetGameState returns the player's most recent action row, which carries
// the authoritative current state. One indexed lookup, no replay.
func (l *ActionLog) GetGameState(ctx context.Context, playerID string) (*Action, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM game_actions WHERE player_id = %s ORDER BY created_at DESC, sequence_number DESC LIMIT 1",
		actionColumns, l.bind(1),
	)
	a, err := scanAction(l.db.QueryRowContext(ctx, q, playerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveGame
	}
	if err != nil {
		return nil, fmt.Errorf("load game state: %w", err)
	}
	if a.Type == actionEnd {
		return nil, ErrNoActiveGame
	}
	return a, nil
}

// GetMostRecentCompletedGame returns the player's latest terminal action.
func (l *ActionLog) GetMostRecentCompletedGame(ctx context.Context, playerID string) (*Action, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM game_actions WHERE player_id = %s AND action_type = %s ORDER BY created_at DESC LIMIT 1",
		actionColumns, l.bind(1), l.bind(2),
	)
	a, err := scanAction(l.db.QueryRowContext(ctx, q, playerID, string(actionEnd)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCompletedGame
	}
	if err != nil {
		return nil, fmt.Errorf("load completed game: %w", err)
	}
	return a, nil
}

// GameMetadata returns a game's start action, which carries the seed and
// settings recorded at creation.
func (l *ActionLog) GameMetadata(ctx context.Context, gameID string) (*Action, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM game_actions WHERE game_id = %s AND sequence_number = 1",
		actionColumns, l.bind(1),
	)
	a, err := scanAction(l.db.QueryRowContext(ctx, q, gameID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveGame
	}
	if err != nil {
		return nil, fmt.Errorf("load game metadata: %w", err)
	}
	return a, nil
}

// GetGameHistory returns every action of a game in sequence order.
func (l *ActionLog) GetGameHistory(ctx context.Context, gameID string) ([]Action, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM game_actions WHERE game_id = %s ORDER BY sequence_number ASC",
		actionColumns, l.bind(1),
	)
	rows, err := l.db.QueryContext(ctx, q, gameID)
	if err != nil {
		return nil, fmt.Errorf("load game history: %w", err)
	}
	defer rows.Close()

	var history []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game history: %w", err)
		}
		history = append(history, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate game history: %w", err)
	}
	return history, nil
}

// ReconstructGameState returns the state snapshot as of a given sequence
// number, or the latest snapshot when sequence is 0. Audit and debugging
// only; gameplay reads go through GetGameState.
func (l *ActionLog) ReconstructGameState(ctx context.Context, gameID string, sequence int) (*Action, error) {
	var q string
	args := []any{gameID}
	if sequence > 0 {
		q = fmt.Sprintf(
			"SELECT %s FROM game_actions WHERE game_id = %s AND sequence_number = %s",
			actionColumns, l.bind(1), l.bind(2),
		)
		args = append(args, sequence)
	} else {
		q = fmt.Sprintf(
			"SELECT %s FROM game_actions WHERE game_id = %s ORDER BY sequence_number DESC LIMIT 1",
			actionColumns, l.bind(1),
		)
	}
	a, err := scanAction(l.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveGame
	}
	if err != nil {
		return nil, fmt.Errorf("reconstruct game state: %w", err)
	}
	return a, nil
}

// GetActiveGames returns the latest action of every game that has not yet
// reached a terminal action, newest first.
func (l *ActionLog) GetActiveGames(ctx context.Context) ([]Action, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM game_actions a
		JOIN (
			SELECT game_id, MAX(sequence_number) AS max_seq
			FROM game_actions GROUP BY game_id
		) latest ON a.game_id = latest.game_id AND a.sequence_number = latest.max_seq
		WHERE a.action_type <> '%s'
		ORDER BY a.created_at DESC`,
		"a."+strings.ReplaceAll(actionColumns, ", ", ", a."), actionEnd,
	)
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load active games: %w", err)
	}
	defer rows.Close()

	var active []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active game: %w", err)
		}
		active = append(active, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active games: %w", err)
	}
	return active, nil
}

// ScoreEntry is one leaderboard row. The score and its breakdown are
// computed server-side from the terminal state; one entry per game.
type ScoreEntry struct {
	ID          string        `json:"id"`
	GameID      string        `json:"gameId"`
	PlayerID    string        `json:"playerId"`
	DisplayName string        `json:"displayName"`
	Score       int           `json:"score"`
	Details     *ScoreDetails `json:"details,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// InsertScore records a completed game's score. The unique index on
// game_id makes submission idempotent per game.
func (l *ActionLog) InsertScore(ctx context.Context, entry ScoreEntry) (*ScoreEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	q := l.insertQuery("scores", []string{
		"id", "game_id", "player_id", "display_name", "score", "details", "created_at",
	})
	_, err := l.db.ExecContext(ctx, q,
		entry.ID, entry.GameID, entry.PlayerID, entry.DisplayName,
		entry.Score, asJSON(entry.Details), entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrScoreExists
		}
		return nil, fmt.Errorf("insert score: %w", err)
	}
	return &entry, nil
}

// TopScores returns the leaderboard, highest first.
func (l *ActionLog) TopScores(ctx context.Context, limit int) ([]ScoreEntry, error) {
	q := fmt.Sprintf(
		"SELECT id, game_id, player_id, display_name, score, details, created_at FROM scores ORDER BY score DESC, created_at ASC LIMIT %s",
		l.bind(1),
	)
	rows, err := l.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	defer rows.Close()

	var entries []ScoreEntry
	for rows.Next() {
		var e ScoreEntry
		var detailsRaw string
		if err := rows.Scan(&e.ID, &e.GameID, &e.PlayerID, &e.DisplayName, &e.Score, &detailsRaw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if detailsRaw != "" && detailsRaw != "null" {
			var d ScoreDetails
			if err := json.Unmarshal([]byte(detailsRaw), &d); err != nil {
				return nil, fmt.Errorf("decode score details: %w", err)
			}
			e.Details = &d
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return entries, nil
}
