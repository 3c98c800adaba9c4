package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prestalabs/prestapay/internal/config"
	earningdomain "github.com/prestalabs/prestapay/internal/earning/domain"
	"github.com/prestalabs/prestapay/internal/earning/repository"
	"github.com/prestalabs/prestapay/internal/events"
	"github.com/prestalabs/prestapay/internal/metrics"
)

const balanceCacheTTL = 30 * time.Second

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cfg   config.Config
	Redis *redis.Client `optional:"true"`
}

// Service advances earnings through their lifecycle and answers balance
// queries.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	cfg   config.Config
	cache *redis.Client
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("earning.service"),
		genID: p.GenID,
		cfg:   p.Cfg,
		cache: p.Redis,
	}
}

// PromoteDueEarnings flips pending earnings whose holdback elapsed to
// available. Runs as the scheduler's periodic sweep.
func (s *Service) PromoteDueEarnings(ctx context.Context, now time.Time) (int64, error) {
	promoted, err := repository.NewRepository(s.db).PromoteDue(ctx, now)
	if err != nil {
		return 0, err
	}
	if promoted > 0 {
		metrics.EarningsPromoted.Add(float64(promoted))
		s.log.Info("promoted due earnings", zap.Int64("count", promoted))
		s.flushBalanceCache(ctx)
	}
	return promoted, nil
}

// Balance returns the available and pending totals for one prestataire.
// Available excludes earnings claimed by an in-flight payout.
func (s *Service) Balance(ctx context.Context, prestataireID snowflake.ID) (earningdomain.Balance, error) {
	if cached, ok := s.cachedBalance(ctx, prestataireID); ok {
		return cached, nil
	}

	repo := repository.NewRepository(s.db)
	available, err := repo.SumClaimable(ctx, prestataireID)
	if err != nil {
		return earningdomain.Balance{}, err
	}
	pending, err := repo.SumByStatus(ctx, prestataireID, earningdomain.StatusPending)
	if err != nil {
		return earningdomain.Balance{}, err
	}

	balance := earningdomain.Balance{
		AvailableMinor: available,
		PendingMinor:   pending,
		Currency:       s.cfg.Ledger.Currency,
	}
	s.storeBalance(ctx, prestataireID, balance)
	return balance, nil
}

func (s *Service) ListEarnings(ctx context.Context, prestataireID snowflake.ID, status *earningdomain.Status) ([]earningdomain.Earning, error) {
	return repository.NewRepository(s.db).List(ctx, prestataireID, status)
}

// MarkDisputed freezes an earning on a chargeback or fraud flag. Allowed from
// pending and available; a disputed earning never promotes and is excluded
// from payout selection by its status.
func (s *Service) MarkDisputed(ctx context.Context, earningID snowflake.ID, now time.Time) (*earningdomain.Earning, error) {
	var updated *earningdomain.Earning
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewRepository(tx)
		earning, err := repo.Get(ctx, earningID)
		if err != nil {
			return err
		}
		if earning == nil {
			return earningdomain.ErrEarningNotFound
		}
		if earning.Status != earningdomain.StatusPending && earning.Status != earningdomain.StatusAvailable {
			return earningdomain.ErrInvalidTransition
		}
		if earning.PayoutID != nil {
			return earningdomain.ErrEarningAlreadyClaimed
		}

		earning.Status = earningdomain.StatusDisputed
		earning.UpdatedAt = now
		if err := repo.Save(ctx, earning); err != nil {
			return err
		}
		if err := events.Emit(ctx, tx, s.genID.Generate(), events.EventEarningDisputed, map[string]any{
			"earning_id":     earning.ID.String(),
			"prestataire_id": earning.PrestataireID.String(),
			"booking_id":     earning.BookingID.String(),
			"net_minor":      earning.NetMinor,
		}, now); err != nil {
			return err
		}
		updated = earning
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.InvalidateBalance(ctx, updated.PrestataireID)
	return updated, nil
}

// ResolveDispute is the explicit admin action recovering a disputed earning:
// reinstate to available, or write it off to cancelled.
func (s *Service) ResolveDispute(ctx context.Context, earningID snowflake.ID, reinstate bool, now time.Time) (*earningdomain.Earning, error) {
	var updated *earningdomain.Earning
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewRepository(tx)
		earning, err := repo.Get(ctx, earningID)
		if err != nil {
			return err
		}
		if earning == nil {
			return earningdomain.ErrEarningNotFound
		}
		if earning.Status != earningdomain.StatusDisputed {
			return earningdomain.ErrInvalidTransition
		}

		if reinstate {
			earning.Status = earningdomain.StatusAvailable
		} else {
			earning.Status = earningdomain.StatusCancelled
		}
		earning.UpdatedAt = now
		if err := repo.Save(ctx, earning); err != nil {
			return err
		}
		updated = earning
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.InvalidateBalance(ctx, updated.PrestataireID)
	return updated, nil
}

// InvalidateBalance drops the cached balance after any write touching a
// prestataire's earnings. Callers outside this package use it after payout
// and refund transitions.
func (s *Service) InvalidateBalance(ctx context.Context, prestataireID snowflake.ID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, balanceKey(prestataireID)).Err(); err != nil {
		s.log.Warn("balance cache invalidation failed", zap.Error(err))
	}
}

func (s *Service) cachedBalance(ctx context.Context, prestataireID snowflake.ID) (earningdomain.Balance, bool) {
	if s.cache == nil {
		return earningdomain.Balance{}, false
	}
	raw, err := s.cache.Get(ctx, balanceKey(prestataireID)).Bytes()
	if err != nil {
		return earningdomain.Balance{}, false
	}
	var balance earningdomain.Balance
	if err := json.Unmarshal(raw, &balance); err != nil {
		return earningdomain.Balance{}, false
	}
	return balance, true
}

func (s *Service) storeBalance(ctx context.Context, prestataireID snowflake.ID, balance earningdomain.Balance) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(balance)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, balanceKey(prestataireID), raw, balanceCacheTTL).Err(); err != nil {
		s.log.Warn("balance cache write failed", zap.Error(err))
	}
}

// flushBalanceCache clears every cached balance. The promotion sweep touches
// many prestataires at once, so targeted invalidation is not worth the scan.
func (s *Service) flushBalanceCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	iter := s.cache.Scan(ctx, 0, balanceKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.cache.Del(ctx, iter.Val()).Err(); err != nil {
			s.log.Warn("balance cache flush failed", zap.Error(err))
			return
		}
	}
}

const balanceKeyPrefix = "prestapay:balance:"

func balanceKey(prestataireID snowflake.ID) string {
	return balanceKeyPrefix + prestataireID.String()
}
