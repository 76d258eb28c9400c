package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AccountRepo      = (*Postgres)(nil)
	_ domain.ProjectRepo      = (*Postgres)(nil)
	_ domain.PolicyRepo       = (*Postgres)(nil)
	_ domain.RelationshipRepo = (*Postgres)(nil)
	_ domain.PostRepo         = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// GetProject возвращает проект по ID.
func (p *Postgres) GetProject(id int64) (domain.Project, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var project domain.Project
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name, is_active, created_at FROM projects WHERE id=$1
`, id).Scan(&project.ID, &project.Name, &project.IsActive, &project.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "projects_get", "projects", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Project{}, fmt.Errorf("project not found")
	}
	return project, err
}

// GetAccount возвращает аккаунт по ID.
func (p *Postgres) GetAccount(id int64) (domain.Account, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var a domain.Account
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, project_id, username, COALESCE(device_id, ''), status, created_at, updated_at
FROM accounts WHERE id=$1
`, id).Scan(&a.ID, &a.ProjectID, &a.Username, &a.DeviceID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "accounts_get", "accounts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account not found")
	}
	return a, err
}

// ListProjectAccounts возвращает все аккаунты проекта.
func (p *Postgres) ListProjectAccounts(projectID int64) ([]domain.Account, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, project_id, username, COALESCE(device_id, ''), status, created_at, updated_at
FROM accounts WHERE project_id=$1 ORDER BY id
`, projectID)
	metrics.ObserveNetworkRequest("postgres", "accounts_list_project", "accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ListAccountsWithDevice возвращает аккаунты с привязанным устройством.
func (p *Postgres) ListAccountsWithDevice() ([]domain.Account, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, project_id, username, device_id, status, created_at, updated_at
FROM accounts WHERE device_id IS NOT NULL AND device_id <> '' ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "accounts_list_with_device", "accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func scanAccounts(rows pgx.Rows) ([]domain.Account, error) {
	var accounts []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Username, &a.DeviceID, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccountStatus меняет операционный статус аккаунта.
func (p *Postgres) UpdateAccountStatus(id int64, status domain.AccountStatus) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE accounts SET status=$2, updated_at=now() WHERE id=$1
`, id, status)
	metrics.ObserveNetworkRequest("postgres", "accounts_update_status", "accounts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found")
	}
	return nil
}

// GetPolicy возвращает политику реакций проекта.
func (p *Postgres) GetPolicy(projectID int64) (domain.InteractionPolicy, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var pol domain.InteractionPolicy
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, project_id, enabled,
       like_enabled, like_delay_min, like_delay_max,
       comment_enabled, comment_delay_min, comment_delay_max,
       retweet_enabled, retweet_delay_min, retweet_delay_max,
       follow_enabled, follow_delay_min, follow_delay_max,
       COALESCE(default_persona, ''), reaction_probability, max_reacting_accounts,
       COALESCE(follow_target_users, '{}')
FROM interaction_policies WHERE project_id=$1
`, projectID).Scan(
		&pol.ID, &pol.ProjectID, &pol.Enabled,
		&pol.Like.Enabled, &pol.Like.DelayMin, &pol.Like.DelayMax,
		&pol.Comment.Enabled, &pol.Comment.DelayMin, &pol.Comment.DelayMax,
		&pol.Retweet.Enabled, &pol.Retweet.DelayMin, &pol.Retweet.DelayMax,
		&pol.Follow.Enabled, &pol.Follow.DelayMin, &pol.Follow.DelayMax,
		&pol.DefaultPersona, &pol.ReactionProbability, &pol.MaxReactingAccounts,
		&pol.FollowTargetUsers,
	)
	metrics.ObserveNetworkRequest("postgres", "policies_get", "interaction_policies", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.InteractionPolicy{}, fmt.Errorf("policy not found")
	}
	return pol, err
}

// ListRelationshipsTo возвращает связи кандидат → владелец поста.
func (p *Postgres) ListRelationshipsTo(projectID, toAccountID int64) ([]domain.AccountRelationship, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, project_id, from_account_id, to_account_id, intimacy_level, relationship_type,
       interaction_probability, preferred_reaction_types, COALESCE(comment_style, ''), COALESCE(notes, ''), created_at
FROM account_relationships
WHERE project_id=$1 AND to_account_id=$2
ORDER BY intimacy_level DESC, created_at, id
`, projectID, toAccountID)
	metrics.ObserveNetworkRequest("postgres", "relationships_list_to", "account_relationships", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []domain.AccountRelationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// GetRelationship возвращает связь по упорядоченной паре аккаунтов.
func (p *Postgres) GetRelationship(projectID, fromAccountID, toAccountID int64) (domain.AccountRelationship, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, project_id, from_account_id, to_account_id, intimacy_level, relationship_type,
       interaction_probability, preferred_reaction_types, COALESCE(comment_style, ''), COALESCE(notes, ''), created_at
FROM account_relationships
WHERE project_id=$1 AND from_account_id=$2 AND to_account_id=$3
`, projectID, fromAccountID, toAccountID)
	rel, err := scanRelationship(row)
	metrics.ObserveNetworkRequest("postgres", "relationships_get", "account_relationships", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AccountRelationship{}, fmt.Errorf("relationship not found")
	}
	return rel, err
}

func scanRelationship(row pgx.Row) (domain.AccountRelationship, error) {
	var rel domain.AccountRelationship
	var types []string
	err := row.Scan(&rel.ID, &rel.ProjectID, &rel.FromAccountID, &rel.ToAccountID, &rel.IntimacyLevel,
		&rel.Type, &rel.InteractionProbability, &types, &rel.CommentStyle, &rel.Notes, &rel.CreatedAt)
	if err != nil {
		return domain.AccountRelationship{}, err
	}
	rel.PreferredReactionTypes = make([]domain.ActionType, 0, len(types))
	for _, t := range types {
		rel.PreferredReactionTypes = append(rel.PreferredReactionTypes, domain.ActionType(t))
	}
	return rel, nil
}

// BulkInitRelationships создаёт связи по умолчанию для каждой упорядоченной
// пары аккаунтов проекта. Существующие пары не перезаписываются.
func (p *Postgres) BulkInitRelationships(projectID int64, defaults domain.AccountRelationship) (int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	types := make([]string, 0, len(defaults.PreferredReactionTypes))
	for _, t := range defaults.PreferredReactionTypes {
		types = append(types, string(t))
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO account_relationships
    (project_id, from_account_id, to_account_id, intimacy_level, relationship_type,
     interaction_probability, preferred_reaction_types, comment_style, notes)
SELECT $1, a.id, b.id, $2, $3, $4, $5, $6, $7
FROM accounts a
JOIN accounts b ON b.project_id = a.project_id AND b.id <> a.id
WHERE a.project_id = $1
ON CONFLICT (project_id, from_account_id, to_account_id) DO NOTHING
`, projectID, defaults.IntimacyLevel, defaults.Type, defaults.InteractionProbability,
		types, defaults.CommentStyle, defaults.Notes)
	metrics.ObserveNetworkRequest("postgres", "relationships_bulk_init", "account_relationships", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// DeleteRelationship удаляет связь по ID.
func (p *Postgres) DeleteRelationship(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM account_relationships WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "relationships_delete", "account_relationships", start, err)
	return err
}

// GetPostURL возвращает пост по ID.
func (p *Postgres) GetPostURL(id int64) (domain.PostURL, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var post domain.PostURL
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT p.id, a.project_id, p.account_id, COALESCE(p.username, ''), p.url, COALESCE(p.content, ''), p.published_at, p.created_at
FROM post_urls p
JOIN accounts a ON a.id = p.account_id
WHERE p.id=$1
`, id).Scan(&post.ID, &post.ProjectID, &post.AccountID, &post.Username, &post.URL, &post.Text, &post.PublishedAt, &post.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "post_urls_get", "post_urls", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PostURL{}, fmt.Errorf("post not found")
	}
	return post, err
}

// SavePostURL сохраняет обнаруженный пост. Повторная регистрация того же URL
// возвращает существующую запись.
func (p *Postgres) SavePostURL(post domain.PostURL) (domain.PostURL, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	if post.PublishedAt.IsZero() {
		post.PublishedAt = time.Now().UTC()
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO post_urls (account_id, username, url, content, published_at)
VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5)
ON CONFLICT (url) DO UPDATE SET content = COALESCE(EXCLUDED.content, post_urls.content)
RETURNING id, created_at
`, post.AccountID, post.Username, post.URL, post.Text, post.PublishedAt).Scan(&post.ID, &post.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "post_urls_save", "post_urls", start, err)
	if err != nil {
		return domain.PostURL{}, err
	}
	return post, nil
}
