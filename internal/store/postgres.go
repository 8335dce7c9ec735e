package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

const userColumns = `id, name, surname, email, password_hash, role, company, api_token, archived, comments, created_at, updated_at`

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, surname, email, password_hash, role, company, api_token, archived, comments)
		VALUES ($1, $2, $3, LOWER($4), $5, $6, $7, $8, $9, $10::jsonb)
	`, user.ID, user.Name, user.Surname, user.Email, user.PasswordHash, user.Role, user.Company, user.APIToken, user.Archived, encodeList(user.Comments))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1) AND NOT archived`, email)
	return scanUser(row)
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET name=$2, surname=$3, email=LOWER($4), password_hash=$5, role=$6, company=$7,
			api_token=$8, archived=$9, comments=$10::jsonb, updated_at=NOW()
		WHERE id=$1
	`, user.ID, user.Name, user.Surname, user.Email, user.PasswordHash, user.Role, user.Company, user.APIToken, user.Archived, encodeList(user.Comments))
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchUsers(ctx context.Context, fragment string, limit int) ([]User, error) {
	pattern := "%" + strings.ReplaceAll(strings.ReplaceAll(fragment, "%", `\%`), "_", `\_`) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE (name ILIKE $1 OR surname ILIKE $1 OR email ILIKE $1) AND NOT archived
		ORDER BY name
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, user)
	}
	return items, rows.Err()
}

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var comments []byte
	err := row.Scan(&user.ID, &user.Name, &user.Surname, &user.Email, &user.PasswordHash, &user.Role,
		&user.Company, &user.APIToken, &user.Archived, &comments, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	user.Comments = decodeList(comments)
	return user, nil
}

// ---- objects ----

const objectColumns = `id, hash, geometry_hash, type, name, application_id, properties, part_of, parent, children, ancestors,
	owner, private, can_read, can_write, anonymous_comments, comments, deleted, created_at, updated_at`

func (s *PostgresStore) InsertObjects(ctx context.Context, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert objects: %w", err)
	}
	for _, object := range objects {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO objects (id, hash, geometry_hash, type, name, application_id, properties, part_of, parent,
				children, ancestors, owner, private, can_read, can_write, anonymous_comments, comments, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10::jsonb, $11::jsonb, $12, $13, $14::jsonb, $15::jsonb, $16, $17::jsonb, $18)
		`, object.ID, object.Hash, object.GeometryHash, object.Type, object.Name, object.ApplicationID,
			encodeMap(object.Properties), encodeList(object.PartOf), object.Parent, encodeList(object.Children),
			encodeList(object.Ancestors), object.Owner, object.Private, encodeList(object.CanRead),
			encodeList(object.CanWrite), object.AnonymousComments, encodeList(object.Comments), object.Deleted)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert object %s: %w", object.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert objects: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetObject(ctx context.Context, objectID string) (Object, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE id=$1 AND NOT deleted`, objectID)
	return scanObject(row)
}

func (s *PostgresStore) ListObjectsByIDs(ctx context.Context, ids []string) ([]Object, error) {
	if len(ids) == 0 {
		return []Object{}, nil
	}
	query := `SELECT ` + objectColumns + ` FROM objects WHERE NOT deleted AND id IN (` + placeholders(len(ids), 1) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()
	return collectObjects(rows)
}

func (s *PostgresStore) ListObjectsByHashes(ctx context.Context, hashes []string) ([]Object, error) {
	if len(hashes) == 0 {
		return []Object{}, nil
	}
	query := `SELECT ` + objectColumns + ` FROM objects WHERE NOT deleted AND hash IN (` + placeholders(len(hashes), 1) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(hashes)...)
	if err != nil {
		return nil, fmt.Errorf("list objects by hash: %w", err)
	}
	defer rows.Close()
	return collectObjects(rows)
}

func (s *PostgresStore) UpdateObjectProperties(ctx context.Context, objectID string, properties map[string]any) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE objects SET properties=$2::jsonb, updated_at=NOW() WHERE id=$1
	`, objectID, encodeMap(properties))
	if err != nil {
		return fmt.Errorf("update object properties: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteObjects(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM objects WHERE id IN (` + placeholders(len(ids), 1) + `)`
	if _, err := s.db.ExecContext(ctx, query, stringArgs(ids)...); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	return nil
}

func collectObjects(rows *sql.Rows) ([]Object, error) {
	items := make([]Object, 0)
	for rows.Next() {
		object, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, object)
	}
	return items, rows.Err()
}

func scanObject(row interface{ Scan(...any) error }) (Object, error) {
	var object Object
	var properties, partOf, children, ancestors, canRead, canWrite, comments []byte
	err := row.Scan(&object.ID, &object.Hash, &object.GeometryHash, &object.Type, &object.Name, &object.ApplicationID,
		&properties, &partOf, &object.Parent, &children, &ancestors,
		&object.Owner, &object.Private, &canRead, &canWrite, &object.AnonymousComments,
		&comments, &object.Deleted, &object.CreatedAt, &object.UpdatedAt)
	if err != nil {
		return Object{}, err
	}
	object.Properties = decodeMap(properties)
	object.PartOf = decodeList(partOf)
	object.Children = decodeList(children)
	object.Ancestors = decodeList(ancestors)
	object.CanRead = decodeList(canRead)
	object.CanWrite = decodeList(canWrite)
	object.Comments = decodeList(comments)
	return object, nil
}

// ---- streams ----

const streamColumns = `id, stream_id, name, description, commit_message, tags, base_properties, global_measures, objects, layers,
	parent, children, job_number, owner, private, can_read, can_write, anonymous_comments, comments, deleted, created_at, updated_at`

func (s *PostgresStore) InsertStream(ctx context.Context, stream Stream) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, stream_id, name, description, commit_message, tags, base_properties, global_measures,
			objects, layers, parent, children, job_number, owner, private, can_read, can_write, anonymous_comments, comments, deleted)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12::jsonb, $13,
			$14, $15, $16::jsonb, $17::jsonb, $18, $19::jsonb, $20)
	`, stream.ID, stream.StreamID, stream.Name, stream.Description, stream.CommitMessage, encodeList(stream.Tags),
		encodeMap(stream.BaseProperties), encodeMap(stream.GlobalMeasures), encodeList(stream.Objects),
		encodeJSON(stream.Layers), stream.Parent, encodeList(stream.Children), stream.JobNumber,
		stream.Owner, stream.Private, encodeList(stream.CanRead), encodeList(stream.CanWrite),
		stream.AnonymousComments, encodeList(stream.Comments), stream.Deleted)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStream(ctx context.Context, streamID string) (Stream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE stream_id=$1 AND NOT deleted`, streamID)
	return scanStream(row)
}

func (s *PostgresStore) ListStreamsByIDs(ctx context.Context, streamIDs []string) ([]Stream, error) {
	if len(streamIDs) == 0 {
		return []Stream{}, nil
	}
	query := `SELECT ` + streamColumns + ` FROM streams WHERE NOT deleted AND stream_id IN (` + placeholders(len(streamIDs), 1) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(streamIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (s *PostgresStore) ListStreamsForUser(ctx context.Context, userID string) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamColumns+`
		FROM streams
		WHERE NOT deleted
			AND (owner=$1 OR NOT private OR can_read @> $2::jsonb OR can_write @> $2::jsonb)
		ORDER BY updated_at DESC
	`, userID, encodeList([]string{userID}))
	if err != nil {
		return nil, fmt.Errorf("list streams for user: %w", err)
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (s *PostgresStore) ListAllStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE NOT deleted ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list all streams: %w", err)
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (s *PostgresStore) UpdateStream(ctx context.Context, stream Stream) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET name=$2, description=$3, commit_message=$4, tags=$5::jsonb, base_properties=$6::jsonb,
			global_measures=$7::jsonb, objects=$8::jsonb, layers=$9::jsonb, parent=$10, children=$11::jsonb,
			job_number=$12, owner=$13, private=$14, can_read=$15::jsonb, can_write=$16::jsonb,
			anonymous_comments=$17, comments=$18::jsonb, deleted=$19, updated_at=NOW()
		WHERE stream_id=$1
	`, stream.StreamID, stream.Name, stream.Description, stream.CommitMessage, encodeList(stream.Tags),
		encodeMap(stream.BaseProperties), encodeMap(stream.GlobalMeasures), encodeList(stream.Objects),
		encodeJSON(stream.Layers), stream.Parent, encodeList(stream.Children), stream.JobNumber,
		stream.Owner, stream.Private, encodeList(stream.CanRead), encodeList(stream.CanWrite),
		stream.AnonymousComments, encodeList(stream.Comments), stream.Deleted)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStreams(ctx context.Context, streamIDs []string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	query := `DELETE FROM streams WHERE stream_id IN (` + placeholders(len(streamIDs), 1) + `)`
	if _, err := s.db.ExecContext(ctx, query, stringArgs(streamIDs)...); err != nil {
		return fmt.Errorf("delete streams: %w", err)
	}
	return nil
}

func collectStreams(rows *sql.Rows) ([]Stream, error) {
	items := make([]Stream, 0)
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, stream)
	}
	return items, rows.Err()
}

func scanStream(row interface{ Scan(...any) error }) (Stream, error) {
	var stream Stream
	var tags, baseProperties, globalMeasures, objects, layers, children, canRead, canWrite, comments []byte
	err := row.Scan(&stream.ID, &stream.StreamID, &stream.Name, &stream.Description, &stream.CommitMessage,
		&tags, &baseProperties, &globalMeasures, &objects, &layers, &stream.Parent, &children, &stream.JobNumber,
		&stream.Owner, &stream.Private, &canRead, &canWrite, &stream.AnonymousComments,
		&comments, &stream.Deleted, &stream.CreatedAt, &stream.UpdatedAt)
	if err != nil {
		return Stream{}, err
	}
	stream.Tags = decodeList(tags)
	stream.BaseProperties = decodeMap(baseProperties)
	stream.GlobalMeasures = decodeMap(globalMeasures)
	stream.Objects = decodeList(objects)
	_ = json.Unmarshal(layers, &stream.Layers)
	stream.Children = decodeList(children)
	stream.CanRead = decodeList(canRead)
	stream.CanWrite = decodeList(canWrite)
	stream.Comments = decodeList(comments)
	return stream, nil
}

// ---- projects ----

const projectColumns = `id, name, description, tags, streams, perm_can_read, perm_can_write, job_number,
	owner, private, can_read, can_write, anonymous_comments, comments, deleted, created_at, updated_at`

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, tags, streams, perm_can_read, perm_can_write, job_number,
			owner, private, can_read, can_write, anonymous_comments, comments, deleted)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10, $11::jsonb, $12::jsonb, $13, $14::jsonb, $15)
	`, project.ID, project.Name, project.Description, encodeList(project.Tags), encodeList(project.Streams),
		encodeList(project.Permissions.CanRead), encodeList(project.Permissions.CanWrite), project.JobNumber,
		project.Owner, project.Private, encodeList(project.CanRead), encodeList(project.CanWrite),
		project.AnonymousComments, encodeList(project.Comments), project.Deleted)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1 AND NOT deleted`, projectID)
	return scanProject(row)
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE NOT deleted
			AND (owner=$1 OR NOT private OR can_read @> $2::jsonb OR can_write @> $2::jsonb)
		ORDER BY updated_at DESC
	`, userID, encodeList([]string{userID}))
	if err != nil {
		return nil, fmt.Errorf("list projects for user: %w", err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (s *PostgresStore) ListAllProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE NOT deleted ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list all projects: %w", err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

// ListProjectsReferencingStreams returns non-deleted projects whose stream
// list intersects streamIDs, excluding excludeProjectID. Used by the
// revocation pass to find co-projects still justifying a grant.
func (s *PostgresStore) ListProjectsReferencingStreams(ctx context.Context, streamIDs []string, excludeProjectID string) ([]Project, error) {
	if len(streamIDs) == 0 {
		return []Project{}, nil
	}
	clauses := make([]string, 0, len(streamIDs))
	args := []any{excludeProjectID}
	for i, streamID := range streamIDs {
		clauses = append(clauses, fmt.Sprintf("streams @> $%d::jsonb", i+2))
		args = append(args, encodeList([]string{streamID}))
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE NOT deleted AND id <> $1 AND (` + strings.Join(clauses, " OR ") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects referencing streams: %w", err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name=$2, description=$3, tags=$4::jsonb, streams=$5::jsonb, perm_can_read=$6::jsonb,
			perm_can_write=$7::jsonb, job_number=$8, owner=$9, private=$10, can_read=$11::jsonb,
			can_write=$12::jsonb, anonymous_comments=$13, comments=$14::jsonb, deleted=$15, updated_at=NOW()
		WHERE id=$1
	`, project.ID, project.Name, project.Description, encodeList(project.Tags), encodeList(project.Streams),
		encodeList(project.Permissions.CanRead), encodeList(project.Permissions.CanWrite), project.JobNumber,
		project.Owner, project.Private, encodeList(project.CanRead), encodeList(project.CanWrite),
		project.AnonymousComments, encodeList(project.Comments), project.Deleted)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func collectProjects(rows *sql.Rows) ([]Project, error) {
	items := make([]Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, project)
	}
	return items, rows.Err()
}

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var project Project
	var tags, streams, permRead, permWrite, canRead, canWrite, comments []byte
	err := row.Scan(&project.ID, &project.Name, &project.Description, &tags, &streams, &permRead, &permWrite,
		&project.JobNumber, &project.Owner, &project.Private, &canRead, &canWrite,
		&project.AnonymousComments, &comments, &project.Deleted, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	project.Tags = decodeList(tags)
	project.Streams = decodeList(streams)
	project.Permissions.CanRead = decodeList(permRead)
	project.Permissions.CanWrite = decodeList(permWrite)
	project.CanRead = decodeList(canRead)
	project.CanWrite = decodeList(canWrite)
	project.Comments = decodeList(comments)
	return project, nil
}

// ---- comments ----

const commentColumns = `id, owner, resource_type, resource_id, body, flagged, closed, assigned_to, labels,
	priority, status, view, screenshot, comments, created_at, updated_at`

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, owner, resource_type, resource_id, body, flagged, closed, assigned_to,
			labels, priority, status, view, screenshot, comments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12::jsonb, $13, $14::jsonb)
	`, comment.ID, comment.Owner, comment.Resource.Type, comment.Resource.ID, comment.Text, comment.Flagged,
		comment.Closed, comment.AssignedTo, encodeList(comment.Labels), comment.Priority, comment.Status,
		encodeMap(comment.View), comment.Screenshot, encodeList(comment.Comments))
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID)
	return scanComment(row)
}

func (s *PostgresStore) ListCommentsByIDs(ctx context.Context, ids []string) ([]Comment, error) {
	if len(ids) == 0 {
		return []Comment{}, nil
	}
	query := `SELECT ` + commentColumns + ` FROM comments WHERE id IN (` + placeholders(len(ids), 1) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	return collectComments(rows)
}

func (s *PostgresStore) ListCommentsByAssignee(ctx context.Context, userID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE assigned_to=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list assigned comments: %w", err)
	}
	defer rows.Close()
	return collectComments(rows)
}

func (s *PostgresStore) UpdateComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET body=$2, flagged=$3, closed=$4, assigned_to=$5, labels=$6::jsonb, priority=$7, status=$8,
			view=$9::jsonb, screenshot=$10, comments=$11::jsonb, updated_at=NOW()
		WHERE id=$1
	`, comment.ID, comment.Text, comment.Flagged, comment.Closed, comment.AssignedTo, encodeList(comment.Labels),
		comment.Priority, comment.Status, encodeMap(comment.View), comment.Screenshot, encodeList(comment.Comments))
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// AppendResourceComment links a new comment id onto the thread list of the
// resource it targets. The resource row and the comment row persist as a
// best-effort pair; there is no cross-table transaction with the caller.
func (s *PostgresStore) AppendResourceComment(ctx context.Context, resource CommentResource, commentID string) error {
	var query string
	switch resource.Type {
	case "stream", "streams":
		query = `UPDATE streams SET comments = comments || $2::jsonb, updated_at=NOW() WHERE stream_id=$1`
	case "object", "objects":
		query = `UPDATE objects SET comments = comments || $2::jsonb, updated_at=NOW() WHERE id=$1`
	case "project", "projects":
		query = `UPDATE projects SET comments = comments || $2::jsonb, updated_at=NOW() WHERE id=$1`
	case "user":
		query = `UPDATE users SET comments = comments || $2::jsonb, updated_at=NOW() WHERE id=$1`
	case "comment", "comments":
		query = `UPDATE comments SET comments = comments || $2::jsonb, updated_at=NOW() WHERE id=$1`
	default:
		return fmt.Errorf("append comment: unknown resource type %q", resource.Type)
	}
	if _, err := s.db.ExecContext(ctx, query, resource.ID, encodeList([]string{commentID})); err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

func collectComments(rows *sql.Rows) ([]Comment, error) {
	items := make([]Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, comment)
	}
	return items, rows.Err()
}

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var comment Comment
	var labels, view, replies []byte
	err := row.Scan(&comment.ID, &comment.Owner, &comment.Resource.Type, &comment.Resource.ID, &comment.Text,
		&comment.Flagged, &comment.Closed, &comment.AssignedTo, &labels, &comment.Priority, &comment.Status,
		&view, &comment.Screenshot, &replies, &comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	comment.Labels = decodeList(labels)
	comment.View = decodeMap(view)
	comment.Comments = decodeList(replies)
	return comment, nil
}

// ---- clients ----

const clientColumns = `id, role, document_guid, document_name, document_type, document_location, stream_id, online,
	owner, private, can_read, can_write, anonymous_comments, created_at, updated_at`

func (s *PostgresStore) InsertClient(ctx context.Context, client Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, role, document_guid, document_name, document_type, document_location, stream_id,
			online, owner, private, can_read, can_write, anonymous_comments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13)
	`, client.ID, client.Role, client.DocumentGUID, client.DocumentName, client.DocumentType, client.DocumentLocation,
		client.StreamID, client.Online, client.Owner, client.Private, encodeList(client.CanRead),
		encodeList(client.CanWrite), client.AnonymousComments)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=$1`, clientID)
	return scanClient(row)
}

func (s *PostgresStore) ListClientsByOwner(ctx context.Context, userID string) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE owner=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()
	return collectClients(rows)
}

func (s *PostgresStore) ListClientsByStream(ctx context.Context, streamID string) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE stream_id=$1 ORDER BY created_at DESC`, streamID)
	if err != nil {
		return nil, fmt.Errorf("list clients by stream: %w", err)
	}
	defer rows.Close()
	return collectClients(rows)
}

func (s *PostgresStore) UpdateClient(ctx context.Context, client Client) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET role=$2, document_guid=$3, document_name=$4, document_type=$5, document_location=$6, stream_id=$7,
			online=$8, private=$9, can_read=$10::jsonb, can_write=$11::jsonb, anonymous_comments=$12, updated_at=NOW()
		WHERE id=$1
	`, client.ID, client.Role, client.DocumentGUID, client.DocumentName, client.DocumentType, client.DocumentLocation,
		client.StreamID, client.Online, client.Private, encodeList(client.CanRead), encodeList(client.CanWrite),
		client.AnonymousComments)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id=$1`, clientID); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

func collectClients(rows *sql.Rows) ([]Client, error) {
	items := make([]Client, 0)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, client)
	}
	return items, rows.Err()
}

func scanClient(row interface{ Scan(...any) error }) (Client, error) {
	var client Client
	var canRead, canWrite []byte
	err := row.Scan(&client.ID, &client.Role, &client.DocumentGUID, &client.DocumentName, &client.DocumentType,
		&client.DocumentLocation, &client.StreamID, &client.Online, &client.Owner, &client.Private,
		&canRead, &canWrite, &client.AnonymousComments, &client.CreatedAt, &client.UpdatedAt)
	if err != nil {
		return Client{}, err
	}
	client.CanRead = decodeList(canRead)
	client.CanWrite = decodeList(canWrite)
	return client, nil
}

// ---- refresh sessions (postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.surname, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Name, &user.Surname, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- helpers ----

func placeholders(count, start int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func encodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	encoded, _ := json.Marshal(values)
	return string(encoded)
}

func decodeList(raw []byte) []string {
	values := []string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &values)
	}
	return values
}

func encodeMap(value map[string]any) string {
	if value == nil {
		value = map[string]any{}
	}
	encoded, _ := json.Marshal(value)
	return string(encoded)
}

func decodeMap(raw []byte) map[string]any {
	value := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &value)
	}
	return value
}

func encodeJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
