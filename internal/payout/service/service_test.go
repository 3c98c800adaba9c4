package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/prestalabs/prestapay/internal/config"
	earningdomain "github.com/prestalabs/prestapay/internal/earning/domain"
	earningservice "github.com/prestalabs/prestapay/internal/earning/service"
	"github.com/prestalabs/prestapay/internal/events"
	ledgerdomain "github.com/prestalabs/prestapay/internal/ledger/domain"
	ledgerservice "github.com/prestalabs/prestapay/internal/ledger/service"
	paymentdomain "github.com/prestalabs/prestapay/internal/payment/domain"
	payoutdomain "github.com/prestalabs/prestapay/internal/payout/domain"
)

// fakeGateway scripts the next payout outcome.
type fakeGateway struct {
	payoutResult paymentdomain.GatewayResult
	payoutErr    error
	statusResult paymentdomain.GatewayResult
	payoutCalls  int
}

func (f *fakeGateway) Provider() string { return "fake" }

func (f *fakeGateway) Charge(context.Context, int64, string, string) (paymentdomain.GatewayResult, error) {
	return paymentdomain.GatewayResult{}, nil
}

func (f *fakeGateway) ChargeStatus(context.Context, string) (paymentdomain.GatewayResult, error) {
	return paymentdomain.GatewayResult{}, nil
}

func (f *fakeGateway) Refund(context.Context, string, int64) (paymentdomain.GatewayResult, error) {
	return paymentdomain.GatewayResult{}, nil
}

func (f *fakeGateway) RefundStatus(context.Context, string) (paymentdomain.GatewayResult, error) {
	return paymentdomain.GatewayResult{}, nil
}

func (f *fakeGateway) Payout(context.Context, int64, string, datatypes.JSON) (paymentdomain.GatewayResult, error) {
	f.payoutCalls++
	return f.payoutResult, f.payoutErr
}

func (f *fakeGateway) PayoutStatus(context.Context, string) (paymentdomain.GatewayResult, error) {
	return f.statusResult, nil
}

func newTestService(t *testing.T, gw paymentdomain.Gateway) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&earningdomain.Earning{},
		&payoutdomain.Payout{},
		&ledgerdomain.Transaction{},
		&events.Record{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()

	cfg := config.Config{}
	cfg.Ledger.MinimumPayoutMinor = 5000
	cfg.Gateway.Timeout = time.Second

	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	earnings := earningservice.NewService(earningservice.Params{DB: db, Log: log, GenID: node, Cfg: cfg})
	svc := NewService(Params{
		DB: db, Log: log, GenID: node,
		Gateway: gw, Ledger: ledger, Earnings: earnings, Cfg: cfg,
	})
	return svc, db, node
}

func availableEarning(t *testing.T, db *gorm.DB, node *snowflake.Node, prestataire snowflake.ID, net int64, earnedAt time.Time) *earningdomain.Earning {
	t.Helper()
	earning := &earningdomain.Earning{
		ID:              node.Generate(),
		PrestataireID:   prestataire,
		BookingID:       node.Generate(),
		GrossMinor:      net,
		CommissionMinor: 0,
		NetMinor:        net,
		Currency:        "EUR",
		Status:          earningdomain.StatusAvailable,
		EarnedAt:        earnedAt,
		AvailableAt:     earnedAt,
		CreatedAt:       earnedAt,
		UpdatedAt:       earnedAt,
	}
	require.NoError(t, db.Create(earning).Error)
	return earning
}

var bankDetails = datatypes.JSON([]byte(`{"destination":"acct_test"}`))

func TestRequestBatchesWholeEarningsFIFO(t *testing.T) {
	svc, db, node := newTestService(t, &fakeGateway{})
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	// 30.00 and 40.00 available -> one 70.00 payout.
	first := availableEarning(t, db, node, prestataire, 3000, now.AddDate(0, 0, -3))
	second := availableEarning(t, db, node, prestataire, 4000, now.AddDate(0, 0, -2))

	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), payout.AmountMinor)
	assert.Equal(t, payoutdomain.StatusPending, payout.Status)

	var claimed []earningdomain.Earning
	require.NoError(t, db.Where("payout_id = ?", payout.ID).Order("earned_at ASC").Find(&claimed).Error)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
}

func TestRequestPartialNeverExceedsAmount(t *testing.T) {
	svc, db, node := newTestService(t, &fakeGateway{})
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	availableEarning(t, db, node, prestataire, 3000, now.AddDate(0, 0, -3))
	availableEarning(t, db, node, prestataire, 4000, now.AddDate(0, 0, -2))

	// 60.00 requested: only the oldest whole earning fits.
	requested := int64(6000)
	payout, err := svc.Request(ctx, RequestInput{
		PrestataireID:  prestataire,
		RequestedMinor: &requested,
		BankDetails:    bankDetails,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), payout.AmountMinor)
}

func TestRequestEnforcesMinimumAndClaims(t *testing.T) {
	svc, db, node := newTestService(t, &fakeGateway{})
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	availableEarning(t, db, node, prestataire, 4999, now.AddDate(0, 0, -3))
	_, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	assert.ErrorIs(t, err, payoutdomain.ErrBelowPayoutMinimum)

	availableEarning(t, db, node, prestataire, 1, now.AddDate(0, 0, -1))
	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), payout.AmountMinor)

	// Everything claimed: a second request has nothing left.
	_, err = svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	assert.ErrorIs(t, err, payoutdomain.ErrNoClaimableEarnings)
}

func TestRequestRequiresBankDetails(t *testing.T) {
	svc, _, node := newTestService(t, &fakeGateway{})
	_, err := svc.Request(context.Background(), RequestInput{PrestataireID: node.Generate()}, time.Now().UTC())
	assert.ErrorIs(t, err, payoutdomain.ErrBankDetailsMissing)
}

func TestApproveOnlyFromPending(t *testing.T) {
	svc, db, node := newTestService(t, &fakeGateway{})
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()
	approver := node.Generate()

	availableEarning(t, db, node, prestataire, 6000, now.AddDate(0, 0, -3))
	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, payout.ID, approver, now)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApproverID)
	assert.Equal(t, approver, *approved.ApproverID)

	_, err = svc.Approve(ctx, payout.ID, approver, now)
	assert.ErrorIs(t, err, payoutdomain.ErrPayoutAlreadyDecided)
	_, err = svc.Reject(ctx, payout.ID, approver, now)
	assert.ErrorIs(t, err, payoutdomain.ErrPayoutAlreadyDecided)
}

func TestRejectReleasesEarnings(t *testing.T) {
	svc, db, node := newTestService(t, &fakeGateway{})
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	earning := availableEarning(t, db, node, prestataire, 6000, now.AddDate(0, 0, -3))
	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)

	_, err = svc.Reject(ctx, payout.ID, node.Generate(), now)
	require.NoError(t, err)

	var got earningdomain.Earning
	require.NoError(t, db.First(&got, "id = ?", earning.ID).Error)
	assert.Nil(t, got.PayoutID)
	assert.Equal(t, earningdomain.StatusAvailable, got.Status)
}

func TestProcessSuccessMarksPaidAndAppendsLedger(t *testing.T) {
	gw := &fakeGateway{payoutResult: paymentdomain.GatewayResult{
		TransactionID: "tr_123",
		Status:        paymentdomain.GatewayStatusSucceeded,
	}}
	svc, db, node := newTestService(t, gw)
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	availableEarning(t, db, node, prestataire, 3000, now.AddDate(0, 0, -3))
	availableEarning(t, db, node, prestataire, 4000, now.AddDate(0, 0, -2))
	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, payout.ID, node.Generate(), now)
	require.NoError(t, err)

	processed, err := svc.Process(ctx, payout.ID, now)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusCompleted, processed.Status)
	assert.Equal(t, "tr_123", processed.TransactionReference)
	require.NotNil(t, processed.CompletedAt)

	var earnings []earningdomain.Earning
	require.NoError(t, db.Where("payout_id = ?", payout.ID).Find(&earnings).Error)
	require.Len(t, earnings, 2)
	for _, e := range earnings {
		assert.Equal(t, earningdomain.StatusPaid, e.Status)
		require.NotNil(t, e.PaidAt)
	}

	var rows []ledgerdomain.Transaction
	require.NoError(t, db.Where("payout_id = ?", payout.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, ledgerdomain.TypePayout, rows[0].Type)
	assert.Equal(t, int64(-7000), rows[0].AmountMinor)
	assert.Nil(t, rows[0].BookingID)

	var outbox []events.Record
	require.NoError(t, db.Where("event_type = ?", events.EventPayoutCompleted).Find(&outbox).Error)
	require.Len(t, outbox, 1)
}

func TestProcessDeclineReleasesEarnings(t *testing.T) {
	gw := &fakeGateway{payoutResult: paymentdomain.GatewayResult{
		Status:        paymentdomain.GatewayStatusFailed,
		FailureReason: "account_closed",
	}}
	svc, db, node := newTestService(t, gw)
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	earning := availableEarning(t, db, node, prestataire, 6000, now.AddDate(0, 0, -3))
	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, payout.ID, node.Generate(), now)
	require.NoError(t, err)

	processed, err := svc.Process(ctx, payout.ID, now)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusFailed, processed.Status)
	assert.Equal(t, "account_closed", processed.FailureReason)

	// Earnings are unlinked and stay available for the next request.
	var got earningdomain.Earning
	require.NoError(t, db.First(&got, "id = ?", earning.ID).Error)
	assert.Nil(t, got.PayoutID)
	assert.Equal(t, earningdomain.StatusAvailable, got.Status)

	var rows []ledgerdomain.Transaction
	require.NoError(t, db.Where("payout_id = ?", payout.ID).Find(&rows).Error)
	assert.Empty(t, rows)
}

func TestProcessIndeterminateStaysProcessing(t *testing.T) {
	gw := &fakeGateway{payoutErr: paymentdomain.ErrGatewayIndeterminate}
	svc, db, node := newTestService(t, gw)
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	availableEarning(t, db, node, prestataire, 6000, now.AddDate(0, 0, -3))
	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, payout.ID, node.Generate(), now)
	require.NoError(t, err)

	_, err = svc.Process(ctx, payout.ID, now)
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayIndeterminate)

	var got payoutdomain.Payout
	require.NoError(t, db.First(&got, "id = ?", payout.ID).Error)
	assert.Equal(t, payoutdomain.StatusProcessing, got.Status)

	// Reconciliation later learns the transfer went through.
	got.TransactionReference = "tr_recon"
	require.NoError(t, db.Save(&got).Error)
	gw.statusResult = paymentdomain.GatewayResult{
		TransactionID: "tr_recon",
		Status:        paymentdomain.GatewayStatusSucceeded,
	}
	require.NoError(t, svc.Reconcile(ctx, now.Add(time.Minute)))

	require.NoError(t, db.First(&got, "id = ?", payout.ID).Error)
	assert.Equal(t, payoutdomain.StatusCompleted, got.Status)
}

func TestProcessRequiresApproval(t *testing.T) {
	svc, db, node := newTestService(t, &fakeGateway{})
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	availableEarning(t, db, node, prestataire, 6000, now.AddDate(0, 0, -3))
	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)

	_, err = svc.Process(ctx, payout.ID, now)
	assert.ErrorIs(t, err, payoutdomain.ErrPayoutNotApproved)
}

func TestRequestRetriesOnConcurrentClaim(t *testing.T) {
	gw := &fakeGateway{payoutResult: paymentdomain.GatewayResult{
		TransactionID: "tr_contested",
		Status:        paymentdomain.GatewayStatusSucceeded,
	}}
	svc, db, node := newTestService(t, gw)
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	prestataire := node.Generate()

	oldest := availableEarning(t, db, node, prestataire, 3000, now.AddDate(0, 0, -3))
	second := availableEarning(t, db, node, prestataire, 4000, now.AddDate(0, 0, -2))
	third := availableEarning(t, db, node, prestataire, 2000, now.AddDate(0, 0, -1))

	// A rival request claims the oldest candidate between this request's
	// selection and its guarded claim. The first attempt sees the claim
	// count fall short and aborts; the retry works from what is left.
	rivalPayout := node.Generate()
	attempts := 0
	stolen := false
	steal := func(d *gorm.DB) {
		d.AddError(d.Session(&gorm.Session{NewDB: true}).Model(&earningdomain.Earning{}).
			Where("id = ?", oldest.ID).Update("payout_id", rivalPayout).Error)
	}
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("rival_wins_first_attempt", func(d *gorm.DB) {
		if _, ok := d.Statement.Dest.(*payoutdomain.Payout); !ok {
			return
		}
		attempts++
		if attempts == 1 {
			steal(d)
		}
	}))
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("rival_claim_persists", func(d *gorm.DB) {
		if attempts == 1 && !stolen {
			stolen = true
			steal(d)
		}
	}))

	payout, err := svc.Request(ctx, RequestInput{PrestataireID: prestataire, BankDetails: bankDetails}, now)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(6000), payout.AmountMinor)

	// Exactly one payout exists and it holds only the uncontested earnings.
	var count int64
	require.NoError(t, db.Model(&payoutdomain.Payout{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var claimed []earningdomain.Earning
	require.NoError(t, db.Where("payout_id = ?", payout.ID).Order("earned_at ASC").Find(&claimed).Error)
	require.Len(t, claimed, 2)
	assert.Equal(t, second.ID, claimed[0].ID)
	assert.Equal(t, third.ID, claimed[1].ID)

	var contested earningdomain.Earning
	require.NoError(t, db.First(&contested, "id = ?", oldest.ID).Error)
	require.NotNil(t, contested.PayoutID)
	assert.Equal(t, rivalPayout, *contested.PayoutID)

	// The claimed set still sums to the payout amount, so completion's
	// integrity check passes after the contested request.
	_, err = svc.Approve(ctx, payout.ID, node.Generate(), now)
	require.NoError(t, err)
	completed, err := svc.Process(ctx, payout.ID, now)
	require.NoError(t, err)
	assert.Equal(t, payoutdomain.StatusCompleted, completed.Status)
}
