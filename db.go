package main

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		domain       TEXT DEFAULT '',
		goals        TEXT DEFAULT '',
		interests    TEXT DEFAULT '',
		phase        TEXT DEFAULT '',
		progress     TEXT DEFAULT '',
		last_updated DATETIME NOT NULL,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS discoveries (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id      TEXT NOT NULL,
		title           TEXT NOT NULL,
		description     TEXT DEFAULT '',
		source          TEXT NOT NULL,
		relevance_score INTEGER NOT NULL,
		categories      TEXT DEFAULT '',
		content_type    TEXT DEFAULT 'other',
		reasoning       TEXT DEFAULT '',
		discovered_at   DATETIME NOT NULL,
		published_at    DATETIME,
		viewed          INTEGER NOT NULL DEFAULT 0,
		viewed_at       DATETIME,
		hidden          INTEGER NOT NULL DEFAULT 0,
		feedback_useful INTEGER,
		feedback_notes  TEXT DEFAULT '',
		search_query    TEXT DEFAULT '',
		search_phase    TEXT DEFAULT '',
		search_progress TEXT DEFAULT '',
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, source)
	);
	CREATE INDEX IF NOT EXISTS idx_discoveries_project ON discoveries(project_id);
	CREATE INDEX IF NOT EXISTS idx_discoveries_project_discovered ON discoveries(project_id, discovered_at);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// --- Projects ---

func UpsertProject(db *sql.DB, p Project) error {
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO projects (id, name, domain, goals, interests, phase, progress, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, domain = excluded.domain,
		   goals = excluded.goals, interests = excluded.interests,
		   phase = excluded.phase, progress = excluded.progress,
		   last_updated = excluded.last_updated`,
		p.ID, p.Name, p.Domain, joinList(normalizeList(p.Goals)), joinList(normalizeList(p.Interests)),
		p.Phase, p.Progress, p.LastUpdated,
	)
	return err
}

func GetProject(db *sql.DB, id string) (Project, error) {
	var p Project
	var goals, interests string
	err := db.QueryRow(
		`SELECT id, name, domain, goals, interests, phase, progress, last_updated, created_at
		 FROM projects WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.Name, &p.Domain, &goals, &interests, &p.Phase, &p.Progress, &p.LastUpdated, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.Goals = splitList(goals)
	p.Interests = splitList(interests)
	return p, nil
}

func ListProjects(db *sql.DB) ([]Project, error) {
	rows, err := db.Query(
		`SELECT id, name, domain, goals, interests, phase, progress, last_updated, created_at
		 FROM projects ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var goals, interests string
		if err := rows.Scan(&p.ID, &p.Name, &p.Domain, &goals, &interests,
			&p.Phase, &p.Progress, &p.LastUpdated, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Goals = splitList(goals)
		p.Interests = splitList(interests)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// TouchProjectLastUpdated is called at the end of every search run, even
// when zero discoveries were produced, so necessity checks see an accurate
// staleness signal.
func TouchProjectLastUpdated(db *sql.DB, id string, at time.Time) error {
	_, err := db.Exec(`UPDATE projects SET last_updated = ? WHERE id = ?`, at, id)
	return err
}

// --- Discoveries ---

const discoveryColumns = `id, project_id, title, description, source, relevance_score, categories,
	content_type, reasoning, discovered_at, published_at, viewed, viewed_at, hidden,
	feedback_useful, feedback_notes, search_query, search_phase, search_progress, created_at`

func scanDiscovery(row interface{ Scan(...any) error }) (Discovery, error) {
	var d Discovery
	var categories, contentType string
	var publishedAt, viewedAt sql.NullTime
	var feedbackUseful sql.NullBool
	err := row.Scan(
		&d.ID, &d.ProjectID, &d.Title, &d.Description, &d.Source, &d.RelevanceScore,
		&categories, &contentType, &d.Reasoning, &d.DiscoveredAt, &publishedAt,
		&d.Viewed, &viewedAt, &d.Hidden, &feedbackUseful, &d.FeedbackNotes,
		&d.SearchQuery, &d.SearchPhase, &d.SearchProgress, &d.CreatedAt,
	)
	if err != nil {
		return d, err
	}
	d.Categories = splitList(categories)
	d.ContentType = ContentType(contentType)
	if publishedAt.Valid {
		d.PublishedAt = publishedAt.Time
	}
	if viewedAt.Valid {
		d.ViewedAt = viewedAt.Time
	}
	if feedbackUseful.Valid {
		v := feedbackUseful.Bool
		d.FeedbackUseful = &v
	}
	return d, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func InsertDiscovery(db *sql.DB, d Discovery) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO discoveries
		 (project_id, title, description, source, relevance_score, categories, content_type,
		  reasoning, discovered_at, published_at, search_query, search_phase, search_progress)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ProjectID, d.Title, d.Description, d.Source, d.RelevanceScore,
		joinList(d.Categories), string(d.ContentType), d.Reasoning,
		d.DiscoveredAt, nullableTime(d.PublishedAt), d.SearchQuery, d.SearchPhase, d.SearchProgress,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateDiscoveryScores overwrites only the scorable fields. Review state
// (viewed/hidden/feedback) and discovered_at are never touched here.
func UpdateDiscoveryScores(db *sql.DB, d Discovery) error {
	_, err := db.Exec(
		`UPDATE discoveries
		 SET title = ?, description = ?, relevance_score = ?, categories = ?,
		     content_type = ?, reasoning = ?, published_at = ?, search_query = ?
		 WHERE id = ?`,
		d.Title, d.Description, d.RelevanceScore, joinList(d.Categories),
		string(d.ContentType), d.Reasoning, nullableTime(d.PublishedAt), d.SearchQuery, d.ID,
	)
	return err
}

// GetDiscoveryBySource looks up a discovery by the (project, source) dedup
// key. Returns sql.ErrNoRows when absent.
func GetDiscoveryBySource(db *sql.DB, projectID, source string) (Discovery, error) {
	row := db.QueryRow(
		`SELECT `+discoveryColumns+` FROM discoveries WHERE project_id = ? AND source = ?`,
		projectID, source,
	)
	return scanDiscovery(row)
}

func GetDiscoveryByID(db *sql.DB, id int64) (Discovery, error) {
	row := db.QueryRow(
		`SELECT `+discoveryColumns+` FROM discoveries WHERE id = ?`, id,
	)
	return scanDiscovery(row)
}

func CountDiscoveriesSince(db *sql.DB, projectID string, since time.Time) (int, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM discoveries WHERE project_id = ? AND discovered_at >= ?`,
		projectID, since,
	).Scan(&count)
	return count, err
}

// GetRecentFeedback returns discoveries the user responded to, newest
// first, for the necessity evaluator.
func GetRecentFeedback(db *sql.DB, projectID string, since time.Time, limit int) ([]Discovery, error) {
	rows, err := db.Query(
		`SELECT `+discoveryColumns+`
		 FROM discoveries
		 WHERE project_id = ? AND feedback_useful IS NOT NULL AND viewed_at >= ?
		 ORDER BY viewed_at DESC, id DESC LIMIT ?`,
		projectID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Discovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Listing for the HTTP surface ---

type DiscoveryFilter struct {
	State   string // "", "all", "new", "viewed", "hidden", "useful"
	Sort    string // "score" (default) or "date"
	Page    int    // 1-based
	PerPage int
}

type DiscoveryCounts struct {
	Total  int `json:"total"`
	New    int `json:"new"`
	Viewed int `json:"viewed"`
	Hidden int `json:"hidden"`
	Useful int `json:"useful"`
}

func ListDiscoveries(db *sql.DB, projectID string, filter DiscoveryFilter) ([]Discovery, DiscoveryCounts, error) {
	var counts DiscoveryCounts
	err := db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN viewed = 0 AND hidden = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN viewed = 1 AND hidden = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN hidden = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN feedback_useful = 1 THEN 1 ELSE 0 END), 0)
		 FROM discoveries WHERE project_id = ?`,
		projectID,
	).Scan(&counts.Total, &counts.New, &counts.Viewed, &counts.Hidden, &counts.Useful)
	if err != nil {
		return nil, counts, err
	}

	where := `project_id = ?`
	switch filter.State {
	case "", "all":
		// no extra predicate
	case "new":
		where += ` AND viewed = 0 AND hidden = 0`
	case "viewed":
		where += ` AND viewed = 1 AND hidden = 0`
	case "hidden":
		where += ` AND hidden = 1`
	case "useful":
		where += ` AND feedback_useful = 1`
	default:
		return nil, counts, fmt.Errorf("unknown state filter %q", filter.State)
	}

	order := `relevance_score DESC, discovered_at DESC, id DESC`
	if filter.Sort == "date" {
		order = `discovered_at DESC, id DESC`
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 || perPage > 200 {
		perPage = 25
	}

	rows, err := db.Query(
		`SELECT `+discoveryColumns+` FROM discoveries WHERE `+where+
			` ORDER BY `+order+` LIMIT ? OFFSET ?`,
		projectID, perPage, (page-1)*perPage,
	)
	if err != nil {
		return nil, counts, err
	}
	defer rows.Close()

	var out []Discovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, counts, err
		}
		out = append(out, d)
	}
	return out, counts, rows.Err()
}

// --- Lifecycle transitions ---

// MarkDiscoveryViewed is one-way: viewed_at is set on the first transition
// and never moves afterwards.
func MarkDiscoveryViewed(db *sql.DB, id int64, at time.Time) error {
	res, err := db.Exec(
		`UPDATE discoveries SET viewed = 1, viewed_at = COALESCE(viewed_at, ?) WHERE id = ?`,
		at, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// SetDiscoveryHidden toggles the soft-delete flag. Hidden is orthogonal to
// viewed and is the only form of "removal" the pipeline knows.
func SetDiscoveryHidden(db *sql.DB, id int64, hidden bool) error {
	res, err := db.Exec(`UPDATE discoveries SET hidden = ? WHERE id = ?`, hidden, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// SetDiscoveryFeedback records the user's response. Giving feedback implies
// the discovery was viewed.
func SetDiscoveryFeedback(db *sql.DB, id int64, useful bool, notes string, at time.Time) error {
	res, err := db.Exec(
		`UPDATE discoveries
		 SET feedback_useful = ?, feedback_notes = ?, viewed = 1, viewed_at = COALESCE(viewed_at, ?)
		 WHERE id = ?`,
		useful, notes, at, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// MarkDiscoveriesViewed applies the single-item transition per item. On
// error it reports how many succeeded before the failure.
func MarkDiscoveriesViewed(db *sql.DB, ids []int64, at time.Time) (int, error) {
	done := 0
	for _, id := range ids {
		if err := MarkDiscoveryViewed(db, id, at); err != nil {
			return done, fmt.Errorf("marking discovery %d viewed: %w", id, err)
		}
		done++
	}
	return done, nil
}

func SetDiscoveriesHidden(db *sql.DB, ids []int64, hidden bool) (int, error) {
	done := 0
	for _, id := range ids {
		if err := SetDiscoveryHidden(db, id, hidden); err != nil {
			return done, fmt.Errorf("setting discovery %d hidden=%v: %w", id, hidden, err)
		}
		done++
	}
	return done, nil
}
