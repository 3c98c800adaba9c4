package service

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	commissiondomain "github.com/prestalabs/prestapay/internal/commission/domain"
)

func newTestEngine(t *testing.T) (*Engine, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&commissiondomain.CommissionRule{}, &commissiondomain.Commission{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewEngine(Params{DB: db, Log: zap.NewNop(), GenID: node}), db, node
}

func percentageRule(node *snowflake.Node, name string, bps int64, priority int, from time.Time) commissiondomain.CommissionRule {
	return commissiondomain.CommissionRule{
		ID:        node.Generate(),
		Name:      name,
		Type:      commissiondomain.RuleTypePercentage,
		RateBps:   bps,
		Priority:  priority,
		ValidFrom: from,
		IsActive:  true,
		CreatedAt: from,
		UpdatedAt: from,
	}
}

func TestSelectRulePrefersPriorityThenScopeThenID(t *testing.T) {
	engine, db, node := newTestEngine(t)
	ctx := context.Background()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := from.AddDate(0, 3, 0)
	category := node.Generate()

	defaultRule := percentageRule(node, "platform-default", 1500, math.MinInt32, from)
	global := percentageRule(node, "promo-global", 1000, 10, from)
	scoped := percentageRule(node, "promo-category", 800, 10, from)
	scoped.CategoryID = &category
	require.NoError(t, db.Create(&defaultRule).Error)
	require.NoError(t, db.Create(&global).Error)
	require.NoError(t, db.Create(&scoped).Error)

	// Category match: scoped beats global at equal priority.
	got, err := engine.SelectRule(ctx, db, 10000, &category, at)
	require.NoError(t, err)
	assert.Equal(t, scoped.ID, got.ID)

	// No category: scoped rule is filtered out, global wins over default.
	got, err = engine.SelectRule(ctx, db, 10000, nil, at)
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID)

	// Determinism: same inputs, same rule.
	again, err := engine.SelectRule(ctx, db, 10000, nil, at)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
}

func TestSelectRuleHonorsWindowAndBounds(t *testing.T) {
	engine, db, node := newTestEngine(t)
	ctx := context.Background()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := from.AddDate(0, 1, 0)

	defaultRule := percentageRule(node, "platform-default", 1500, math.MinInt32, from)
	require.NoError(t, db.Create(&defaultRule).Error)

	expiring := percentageRule(node, "january-only", 500, 10, from)
	expiring.ValidUntil = &until
	require.NoError(t, db.Create(&expiring).Error)

	minBound := int64(50000)
	bigOnly := percentageRule(node, "big-bookings", 700, 5, from)
	bigOnly.MinAmountMinor = &minBound
	require.NoError(t, db.Create(&bigOnly).Error)

	// Inside the window the expiring rule wins.
	got, err := engine.SelectRule(ctx, db, 10000, nil, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, expiring.ID, got.ID)

	// The window is half-open: at the boundary the rule no longer applies.
	got, err = engine.SelectRule(ctx, db, 10000, nil, until)
	require.NoError(t, err)
	assert.Equal(t, defaultRule.ID, got.ID)

	// Amount below the bound falls through to the default.
	got, err = engine.SelectRule(ctx, db, 10000, nil, until.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, defaultRule.ID, got.ID)

	got, err = engine.SelectRule(ctx, db, 60000, nil, until.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, bigOnly.ID, got.ID)
}

func TestSelectRuleNoMatchFails(t *testing.T) {
	engine, db, _ := newTestEngine(t)

	_, err := engine.SelectRule(context.Background(), db, 10000, nil, time.Now().UTC())
	require.ErrorIs(t, err, commissiondomain.ErrNoApplicableRule)
}

func TestComputePercentageRoundsHalfUp(t *testing.T) {
	rule := &commissiondomain.CommissionRule{Type: commissiondomain.RuleTypePercentage, RateBps: 1500}

	got, err := Compute(rule, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got)

	// 15% of 0.10 = 0.015 -> 0.02
	got, err = Compute(rule, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestComputeFixedClampsToBase(t *testing.T) {
	rule := &commissiondomain.CommissionRule{Type: commissiondomain.RuleTypeFixed, FixedMinor: 500}

	got, err := Compute(rule, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)

	got, err = Compute(rule, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got)
}

func TestComputeTieredIsProgressive(t *testing.T) {
	upTo := int64(10000)
	tiers, err := json.Marshal([]commissiondomain.Tier{
		{UpToMinor: &upTo, RateBps: 2000},
		{UpToMinor: nil, RateBps: 1000},
	})
	require.NoError(t, err)
	rule := &commissiondomain.CommissionRule{Type: commissiondomain.RuleTypeTiered, Tiers: datatypes.JSON(tiers)}

	// 20% of first 100.00 + 10% of remaining 50.00 = 20.00 + 5.00
	got, err := Compute(rule, 15000)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got)

	// Fully inside the first band.
	got, err = Compute(rule, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got)
}

func TestComputeRejectsCommissionAboveBase(t *testing.T) {
	rule := &commissiondomain.CommissionRule{Type: commissiondomain.RuleTypePercentage, RateBps: 10001}

	_, err := Compute(rule, 10000)
	require.ErrorIs(t, err, commissiondomain.ErrCommissionExceedsBase)
}

func TestCreateRuleValidates(t *testing.T) {
	engine, db, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := engine.CreateRule(ctx, &commissiondomain.CommissionRule{
		Name: "bad", Type: commissiondomain.RuleTypePercentage, RateBps: 20000,
	}, now)
	require.ErrorIs(t, err, commissiondomain.ErrInvalidRule)

	rule := &commissiondomain.CommissionRule{
		Name: "ok", Type: commissiondomain.RuleTypePercentage, RateBps: 1200,
	}
	require.NoError(t, engine.CreateRule(ctx, rule, now))

	var count int64
	require.NoError(t, db.Model(&commissiondomain.CommissionRule{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
