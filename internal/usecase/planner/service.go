package planner

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

// lockTTL — время жизни межпроцессного замка планирования одного поста.
const lockTTL = 5 * time.Minute

// ProbabilityRule вычисляет эффективную вероятность реакции (0–100) из
// вероятности политики проекта и вероятности пары аккаунтов.
type ProbabilityRule func(policyProb, relationshipProb int) int

// GateRule — правило по умолчанию: политика проекта ограничивает сверху
// вероятность, настроенную на паре.
func GateRule(policyProb, relationshipProb int) int {
	if policyProb < relationshipProb {
		return policyProb
	}
	return relationshipProb
}

// Service планирует реакции управляемых аккаунтов на новый пост.
type Service struct {
	accounts      domain.AccountRepo
	projects      domain.ProjectRepo
	policies      domain.PolicyRepo
	relationships domain.RelationshipRepo
	interactions  domain.InteractionRepo
	cache         domain.Cache
	rule          ProbabilityRule
	log           zerolog.Logger

	// intn подменяется в тестах для детерминированных розыгрышей.
	intn func(n int) int
}

// NewService создаёт планировщик. cache может быть nil — тогда защита от
// параллельного планирования обеспечивается только уникальными ключами БД.
func NewService(accounts domain.AccountRepo, projects domain.ProjectRepo, policies domain.PolicyRepo, relationships domain.RelationshipRepo, interactions domain.InteractionRepo, cache domain.Cache, log zerolog.Logger) *Service {
	return &Service{
		accounts:      accounts,
		projects:      projects,
		policies:      policies,
		relationships: relationships,
		interactions:  interactions,
		cache:         cache,
		rule:          GateRule,
		log:           log,
		intn:          rand.Intn,
	}
}

// candidate — кандидат-реактор, прошедший розыгрыш вероятности.
type candidate struct {
	account      domain.Account
	relationship domain.AccountRelationship
}

// PlanPost планирует реакции на пост. Возвращает число созданных pending-строк;
// повторный вызов для того же поста дубликатов не создаёт.
func (s *Service) PlanPost(ctx context.Context, post domain.PostURL) (int, error) {
	if s.cache == nil {
		return s.planPost(ctx, post)
	}
	created := 0
	err := s.cache.Once(fmt.Sprintf("planner:post:%d", post.ID), lockTTL, func() error {
		var planErr error
		created, planErr = s.planPost(ctx, post)
		return planErr
	})
	return created, err
}

func (s *Service) planPost(ctx context.Context, post domain.PostURL) (int, error) {
	project, err := s.projects.GetProject(post.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("получение проекта: %w", err)
	}
	if !project.IsActive {
		s.log.Debug().Int64("project", post.ProjectID).Msg("planner: проект не активен")
		return 0, nil
	}
	policy, err := s.policies.GetPolicy(post.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("получение политики: %w", err)
	}
	if !policy.Enabled {
		s.log.Debug().Int64("project", post.ProjectID).Msg("planner: политика выключена")
		return 0, nil
	}

	survivors, err := s.selectReactors(post, policy)
	if err != nil {
		return 0, err
	}

	var items []domain.Interaction
	for _, c := range survivors {
		items = append(items, s.planReactions(post, policy, c)...)
	}
	items = append(items, s.planExternalFollows(post, policy, survivors)...)
	if len(items) == 0 {
		return 0, nil
	}

	created, err := s.interactions.CreateInteractions(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("сохранение реакций: %w", err)
	}
	for _, item := range items {
		metrics.InteractionsPlanned.WithLabelValues(string(item.Type)).Inc()
	}
	s.log.Info().
		Int64("post", post.ID).
		Int("candidates", len(survivors)).
		Int("created", created).
		Msg("planner: пост запланирован")
	return created, nil
}

// selectReactors отбирает кандидатов: активные аккаунты проекта с настроенной
// связью к автору поста, прошедшие розыгрыш вероятности, с отсечкой по
// maxReactingAccounts.
func (s *Service) selectReactors(post domain.PostURL, policy domain.InteractionPolicy) ([]candidate, error) {
	accounts, err := s.accounts.ListProjectAccounts(post.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("получение аккаунтов проекта: %w", err)
	}
	rels, err := s.relationships.ListRelationshipsTo(post.ProjectID, post.AccountID)
	if err != nil {
		return nil, fmt.Errorf("получение связей: %w", err)
	}
	relByFrom := make(map[int64]domain.AccountRelationship, len(rels))
	for _, rel := range rels {
		relByFrom[rel.FromAccountID] = rel
	}

	var survivors []candidate
	for _, account := range accounts {
		if account.ID == post.AccountID || account.Status != domain.AccountActive {
			continue
		}
		rel, ok := relByFrom[account.ID]
		if !ok {
			continue
		}
		effective := s.rule(policy.ReactionProbability, rel.InteractionProbability)
		if effective <= 0 || s.intn(100) >= effective {
			continue
		}
		survivors = append(survivors, candidate{account: account, relationship: rel})
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i].relationship, survivors[j].relationship
		if a.IntimacyLevel != b.IntimacyLevel {
			return a.IntimacyLevel > b.IntimacyLevel
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if policy.MaxReactingAccounts > 0 && len(survivors) > policy.MaxReactingAccounts {
		survivors = survivors[:policy.MaxReactingAccounts]
	}
	return survivors, nil
}

// planReactions строит реакции одного кандидата на пост. Каждый тип реакции
// получает независимую задержку внутри своего окна политики.
func (s *Service) planReactions(post domain.PostURL, policy domain.InteractionPolicy, c candidate) []domain.Interaction {
	var items []domain.Interaction
	postID := post.ID
	for _, action := range domain.AllActionTypes {
		ap := policy.Action(action)
		if !ap.Enabled || !c.relationship.Prefers(action) {
			continue
		}
		item := domain.Interaction{
			Type:          action,
			PostURLID:     &postID,
			FromAccountID: c.account.ID,
			Status:        domain.InteractionPending,
			ScheduledAt:   s.scheduleAt(post.PublishedAt, ap),
		}
		if action == domain.ActionFollow {
			// Подписка идёт на автора; ссылка на пост сохраняется ради
			// идемпотентности планирования.
			item.TargetUsername = post.Username
		}
		items = append(items, item)
	}
	return items
}

// planExternalFollows планирует подписки на внешние (неуправляемые) имена
// из политики. Подписываются те же кандидаты, что прошли отбор для поста.
func (s *Service) planExternalFollows(post domain.PostURL, policy domain.InteractionPolicy, survivors []candidate) []domain.Interaction {
	if !policy.Follow.Enabled || len(policy.FollowTargetUsers) == 0 {
		return nil
	}
	var items []domain.Interaction
	for _, c := range survivors {
		if !c.relationship.Prefers(domain.ActionFollow) {
			continue
		}
		for _, target := range policy.FollowTargetUsers {
			if target == "" || target == post.Username {
				continue
			}
			items = append(items, domain.Interaction{
				Type:           domain.ActionFollow,
				FromAccountID:  c.account.ID,
				TargetUsername: target,
				Status:         domain.InteractionPending,
				ScheduledAt:    s.scheduleAt(post.PublishedAt, policy.Follow),
			})
		}
	}
	return items
}

// scheduleAt выбирает момент выполнения равномерно внутри окна задержки.
// Окно задано в минутах, розыгрыш идёт с точностью до секунды.
func (s *Service) scheduleAt(publishedAt time.Time, ap domain.ActionPolicy) time.Time {
	minSec := ap.DelayMin * 60
	maxSec := ap.DelayMax * 60
	if maxSec < minSec {
		maxSec = minSec
	}
	return publishedAt.Add(time.Duration(minSec+s.intn(maxSec-minSec+1)) * time.Second)
}
