/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for payments, commissions, deals, deliveries, trades, wallet
 * logs and the payment error log.
 *
 * Every state transition is a conditional UPDATE guarded by the expected current
 * state. Multi-row transitions (completion, reversal, settlement) lock the deal row
 * with SELECT ... FOR UPDATE before touching its wallet log, so the two always
 * serialize in the same order.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: For commission rates stored as NUMERIC.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || strings.Contains(pgErr.ConstraintName, constraint)
}

const paymentColumns = `id, name, user_id, receipt_id, status, price, requested_at, purchased_at, revoked_at, revoke_reason, updated_at`

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var status string
	if err := row.Scan(
		&p.ID, &p.Name, &p.UserID, &p.ReceiptID, &status, &p.Price,
		&p.RequestedAt, &p.PurchasedAt, &p.RevokedAt, &p.RevokeReason, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}

// conditionalPayment runs a guarded UPDATE ... RETURNING and maps "no row" to (nil, nil)
// when the payment exists, or ErrPaymentNotFound when it does not.
func (r *PostgresRepository) conditionalPayment(ctx context.Context, paymentID uuid.UUID, query string, args ...any) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return p, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}
	if _, getErr := r.GetPayment(ctx, paymentID); getErr != nil {
		return nil, getErr
	}
	return nil, nil
}

func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	return insertPayment(ctx, r.db, payment)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertPayment(ctx context.Context, db execer, payment *domain.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	query := `
		INSERT INTO payments (id, name, user_id, receipt_id, status, price, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := db.Exec(ctx, query,
		payment.ID, payment.Name, payment.UserID, payment.ReceiptID,
		string(payment.Status), payment.Price, payment.RequestedAt, payment.UpdatedAt,
	)
	if isUniqueViolation(err, "receipt_id") {
		return ErrReceiptAlreadyBound
	}
	return err
}

func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) GetPaymentByReceiptID(ctx context.Context, receiptID string) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE receipt_id = $1`, receiptID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) AttachReceipt(ctx context.Context, paymentID uuid.UUID, receiptID string) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET receipt_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'requested' AND receipt_id IS NULL
		RETURNING ` + paymentColumns
	p, err := r.conditionalPayment(ctx, paymentID, query, paymentID, receiptID)
	if isUniqueViolation(err, "receipt_id") {
		return nil, ErrReceiptAlreadyBound
	}
	return p, err
}

func (r *PostgresRepository) MarkPaymentPurchased(ctx context.Context, paymentID uuid.UUID, purchasedAt time.Time) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = 'purchased', purchased_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'requested'
		RETURNING ` + paymentColumns
	return r.conditionalPayment(ctx, paymentID, query, paymentID, purchasedAt)
}

func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, failedAt time.Time) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = 'failed', updated_at = $2
		WHERE id = $1 AND status = 'requested'
		RETURNING ` + paymentColumns
	return r.conditionalPayment(ctx, paymentID, query, paymentID, failedAt)
}

func (r *PostgresRepository) MarkPaymentRevoked(ctx context.Context, paymentID uuid.UUID, reason string, revokedAt time.Time) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = 'revoked', purchased_at = NULL, revoked_at = $3, revoke_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'purchased'
		RETURNING ` + paymentColumns
	return r.conditionalPayment(ctx, paymentID, query, paymentID, reason, revokedAt)
}

// Commissions

func (r *PostgresRepository) CreateCommission(ctx context.Context, commission *domain.Commission) error {
	if commission.ID == uuid.Nil {
		commission.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO commissions (id, rate, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		commission.ID, commission.Rate.String(), commission.CreatedAt, commission.UpdatedAt,
	)
	return err
}

func scanCommission(row rowScanner) (*domain.Commission, error) {
	var c domain.Commission
	var rate string
	if err := row.Scan(&c.ID, &rate, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate %q: %w", rate, err)
	}
	c.Rate = parsed
	return &c, nil
}

func (r *PostgresRepository) CurrentCommission(ctx context.Context, at time.Time) (*domain.Commission, error) {
	query := `
		SELECT id, rate::text, created_at, updated_at
		FROM commissions
		WHERE created_at <= $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	c, err := scanCommission(r.db.QueryRow(ctx, query, at))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCommissionNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) ListCommissions(ctx context.Context) ([]domain.Commission, error) {
	rows, err := r.db.Query(ctx, `SELECT id, rate::text, created_at, updated_at FROM commissions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Deals

const dealColumns = `d.id, d.trade_id, d.buyer_id, d.seller_id, d.product_id, d.payment_id, dl.id,
	d.total, d.remain, d.commission_amount, d.commission_rate::text, d.status, d.settable,
	d.is_settled, d.disputed, d.cancel_reason, d.completed_at, d.settled_at, d.created_at, d.updated_at`

const dealFrom = ` FROM deals d JOIN deliveries dl ON dl.deal_id = d.id`

func scanDeal(row rowScanner) (*domain.Deal, error) {
	var d domain.Deal
	var status string
	var rate *string
	if err := row.Scan(
		&d.ID, &d.TradeID, &d.BuyerID, &d.SellerID, &d.ProductID, &d.PaymentID, &d.DeliveryID,
		&d.Total, &d.Remain, &d.CommissionAmount, &rate, &status, &d.Settable,
		&d.IsSettled, &d.Disputed, &d.CancelReason, &d.CompletedAt, &d.SettledAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DealStatus(status)
	if rate != nil {
		parsed, err := decimal.NewFromString(*rate)
		if err != nil {
			return nil, fmt.Errorf("parse deal commission rate %q: %w", *rate, err)
		}
		d.CommissionRate = &parsed
	}
	return &d, nil
}

func (r *PostgresRepository) CreateCheckout(ctx context.Context, payment *domain.Payment, trade *domain.Trade, deal *domain.Deal, delivery *domain.Delivery) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertPayment(ctx, tx, payment); err != nil {
		return err
	}
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	if deal.ID == uuid.Nil {
		deal.ID = uuid.New()
	}
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	deal.TradeID = trade.ID
	deal.PaymentID = payment.ID
	deal.DeliveryID = delivery.ID
	delivery.DealID = deal.ID

	_, err = tx.Exec(ctx, `
		INSERT INTO trades (id, buyer_id, seller_id, product_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, trade.ID, trade.BuyerID, trade.SellerID, trade.ProductID, string(trade.Status), trade.CreatedAt, trade.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deals (id, trade_id, buyer_id, seller_id, product_id, payment_id, total, remain, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, deal.ID, deal.TradeID, deal.BuyerID, deal.SellerID, deal.ProductID, deal.PaymentID,
		deal.Total, deal.Remain, string(deal.Status), deal.CreatedAt, deal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deal: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deliveries (id, deal_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, delivery.ID, delivery.DealID, string(delivery.State), delivery.CreatedAt, delivery.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetDeal(ctx context.Context, dealID uuid.UUID) (*domain.Deal, error) {
	d, err := scanDeal(r.db.QueryRow(ctx, `SELECT `+dealColumns+dealFrom+` WHERE d.id = $1`, dealID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepository) GetDealByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.Deal, error) {
	d, err := scanDeal(r.db.QueryRow(ctx, `SELECT `+dealColumns+dealFrom+` WHERE d.payment_id = $1`, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepository) ListDealsByTrade(ctx context.Context, tradeID uuid.UUID) ([]domain.Deal, error) {
	rows, err := r.db.Query(ctx, `SELECT `+dealColumns+dealFrom+` WHERE d.trade_id = $1 ORDER BY d.created_at`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) TransitionDeal(ctx context.Context, dealID uuid.UUID, from []domain.DealStatus, to domain.DealStatus, at time.Time) (*domain.Deal, error) {
	query := `
		UPDATE deals
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`
	tag, err := r.db.Exec(ctx, query, dealID, string(to), at, dealStatusStrings(from))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDeal(ctx, dealID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return r.GetDeal(ctx, dealID)
}

const deliveryColumns = `id, deal_id, state, shipped_at, delivered_at, returned_at, created_at, updated_at`

func scanDelivery(row rowScanner) (*domain.Delivery, error) {
	var d domain.Delivery
	var state string
	if err := row.Scan(&d.ID, &d.DealID, &state, &d.ShippedAt, &d.DeliveredAt, &d.ReturnedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.State = domain.DeliveryState(state)
	return &d, nil
}

func (r *PostgresRepository) GetDelivery(ctx context.Context, dealID uuid.UUID) (*domain.Delivery, error) {
	d, err := scanDelivery(r.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE deal_id = $1`, dealID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepository) TransitionDelivery(ctx context.Context, dealID uuid.UUID, from []domain.DeliveryState, to domain.DeliveryState, at time.Time) (*domain.Delivery, error) {
	query := `
		UPDATE deliveries
		SET state = $2,
			shipped_at = CASE WHEN $2 IN ('shipped', 'delivered') THEN COALESCE(shipped_at, $3) ELSE shipped_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN $3 ELSE delivered_at END,
			returned_at = CASE WHEN $2 = 'returned' THEN $3 ELSE returned_at END,
			updated_at = $3
		WHERE deal_id = $1 AND state = ANY($4)
		RETURNING ` + deliveryColumns
	d, err := scanDelivery(r.db.QueryRow(ctx, query, dealID, string(to), at, deliveryStateStrings(from)))
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, getErr := r.GetDelivery(ctx, dealID); getErr != nil {
				return nil, getErr
			}
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

// lockDeal loads the deal row with FOR UPDATE inside tx.
func lockDeal(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (*domain.Deal, error) {
	d, err := scanDeal(tx.QueryRow(ctx, `SELECT `+dealColumns+dealFrom+` WHERE d.id = $1 FOR UPDATE OF d`, dealID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("failed to get and lock deal: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) CompleteDeal(ctx context.Context, params CompleteDealParams) (*domain.Deal, *domain.WalletLog, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the deal row and validate the claim
	deal, err := lockDeal(ctx, tx, params.DealID)
	if err != nil {
		return nil, nil, err
	}
	if deal.Status != domain.DealShipped {
		return nil, nil, nil
	}

	// 2. Store the snapshot and open the settable gate unless disputed
	remain := deal.Total - params.CommissionAmount
	_, err = tx.Exec(ctx, `
		UPDATE deals
		SET status = 'transaction_completed',
			commission_amount = $2,
			commission_rate = $3::numeric,
			remain = $4,
			settable = NOT disputed,
			completed_at = $5,
			updated_at = $5
		WHERE id = $1
	`, deal.ID, params.CommissionAmount, params.CommissionRate.String(), remain, params.CompletedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to complete deal: %w", err)
	}

	// 3. Create the wallet log and its accrual entry
	wl := &domain.WalletLog{
		ID:        uuid.New(),
		UserID:    deal.SellerID,
		DealID:    deal.ID,
		Amount:    remain,
		Status:    domain.WalletLogPending,
		CreatedAt: params.CompletedAt,
		UpdatedAt: params.CompletedAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_logs (id, user_id, deal_id, amount, status, is_settled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', FALSE, $5, $5)
	`, wl.ID, wl.UserID, wl.DealID, wl.Amount, params.CompletedAt)
	if err != nil {
		if isUniqueViolation(err, "deal_id") {
			return nil, nil, ErrWalletLogExists
		}
		return nil, nil, fmt.Errorf("failed to insert wallet log: %w", err)
	}
	if err := insertLedgerEntry(ctx, tx, wl, domain.LedgerAccrual, wl.Amount, params.CompletedAt); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	completed, err := r.GetDeal(ctx, deal.ID)
	if err != nil {
		return nil, nil, err
	}
	return completed, wl, nil
}

func (r *PostgresRepository) ReverseDeal(ctx context.Context, params ReverseDealParams) (*domain.Deal, *domain.WalletLog, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	deal, err := lockDeal(ctx, tx, params.DealID)
	if err != nil {
		return nil, nil, err
	}
	if !containsDealStatus(params.From, deal.Status) {
		return nil, nil, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE deals
		SET status = $2, settable = FALSE, disputed = FALSE, cancel_reason = $3, updated_at = $4
		WHERE id = $1
	`, deal.ID, string(params.To), params.Reason, params.At)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reverse deal: %w", err)
	}

	wl, err := scanWalletLog(tx.QueryRow(ctx, `SELECT `+walletLogColumns+` FROM wallet_logs WHERE deal_id = $1 FOR UPDATE`, deal.ID))
	if err != nil && err != pgx.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to lock wallet log: %w", err)
	}
	if wl != nil && wl.Status == domain.WalletLogPending && !wl.IsSettled {
		_, err = tx.Exec(ctx, `UPDATE wallet_logs SET status = 'held', updated_at = $2 WHERE id = $1`, wl.ID, params.At)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hold wallet log: %w", err)
		}
		wl.Status = domain.WalletLogHeld
		wl.UpdatedAt = params.At
		if err := insertLedgerEntry(ctx, tx, wl, domain.LedgerReversal, -wl.Amount, params.At); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	reversed, err := r.GetDeal(ctx, deal.ID)
	if err != nil {
		return nil, nil, err
	}
	return reversed, wl, nil
}

func (r *PostgresRepository) SetDealDispute(ctx context.Context, dealID uuid.UUID, disputed bool, at time.Time) (*domain.Deal, error) {
	query := `
		UPDATE deals
		SET disputed = $2,
			settable = (NOT $2) AND status = 'transaction_completed',
			updated_at = $3
		WHERE id = $1 AND status NOT IN ('settled', 'cancelled', 'refunded')
	`
	tag, err := r.db.Exec(ctx, query, dealID, disputed, at)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDeal(ctx, dealID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return r.GetDeal(ctx, dealID)
}

func (r *PostgresRepository) ListAutoConfirmCandidates(ctx context.Context, deliveredBefore time.Time, limit int) ([]domain.Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + dealColumns + dealFrom + `
		WHERE d.status = 'shipped'
		  AND d.disputed = FALSE
		  AND dl.state = 'delivered'
		  AND dl.delivered_at <= $1
		ORDER BY dl.delivered_at
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, deliveredBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetTrade(ctx context.Context, tradeID uuid.UUID) (*domain.Trade, error) {
	var t domain.Trade
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT id, buyer_id, seller_id, product_id, status, created_at, updated_at
		FROM trades WHERE id = $1
	`, tradeID).Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ProductID, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	t.Status = domain.TradeStatus(status)
	return &t, nil
}

func (r *PostgresRepository) UpdateTradeStatus(ctx context.Context, tradeID uuid.UUID, status domain.TradeStatus, at time.Time) (*domain.Trade, error) {
	_, err := r.db.Exec(ctx, `
		UPDATE trades SET status = $2, updated_at = $3
		WHERE id = $1 AND status <> $2
	`, tradeID, string(status), at)
	if err != nil {
		return nil, err
	}
	return r.GetTrade(ctx, tradeID)
}

// Wallet logs

const walletLogColumns = `id, user_id, deal_id, amount, status, is_settled, settled_at, created_at, updated_at`

func scanWalletLog(row rowScanner) (*domain.WalletLog, error) {
	var wl domain.WalletLog
	var status string
	if err := row.Scan(&wl.ID, &wl.UserID, &wl.DealID, &wl.Amount, &status, &wl.IsSettled, &wl.SettledAt, &wl.CreatedAt, &wl.UpdatedAt); err != nil {
		return nil, err
	}
	wl.Status = domain.WalletLogStatus(status)
	return &wl, nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, wl *domain.WalletLog, kind domain.LedgerEntryKind, amount int64, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_ledger_entries (id, wallet_log_id, deal_id, user_id, kind, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), wl.ID, wl.DealID, wl.UserID, string(kind), amount, at)
	if err != nil {
		return fmt.Errorf("failed to insert %s ledger entry: %w", kind, err)
	}
	return nil
}

func (r *PostgresRepository) GetWalletLog(ctx context.Context, walletLogID uuid.UUID) (*domain.WalletLog, error) {
	wl, err := scanWalletLog(r.db.QueryRow(ctx, `SELECT `+walletLogColumns+` FROM wallet_logs WHERE id = $1`, walletLogID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletLogNotFound
		}
		return nil, err
	}
	return wl, nil
}

func (r *PostgresRepository) GetWalletLogByDealID(ctx context.Context, dealID uuid.UUID) (*domain.WalletLog, error) {
	wl, err := scanWalletLog(r.db.QueryRow(ctx, `SELECT `+walletLogColumns+` FROM wallet_logs WHERE deal_id = $1`, dealID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletLogNotFound
		}
		return nil, err
	}
	return wl, nil
}

func (r *PostgresRepository) ListSettlementCandidates(ctx context.Context, limit int) ([]domain.WalletLog, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT w.id, w.user_id, w.deal_id, w.amount, w.status, w.is_settled, w.settled_at, w.created_at, w.updated_at
		FROM wallet_logs w
		JOIN deals d ON d.id = w.deal_id
		WHERE w.status = 'pending'
		  AND w.is_settled = FALSE
		  AND d.settable = TRUE
		ORDER BY w.created_at
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletLog
	for rows.Next() {
		wl, err := scanWalletLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wl)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SettleWalletLog(ctx context.Context, walletLogID uuid.UUID, settledAt time.Time) (*domain.WalletLog, error) {
	var dealID uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT deal_id FROM wallet_logs WHERE id = $1`, walletLogID).Scan(&dealID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletLogNotFound
		}
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the parent deal and re-check the gate on every run
	deal, err := lockDeal(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.IsSettled {
		return nil, ErrWalletLogAlreadyTaken
	}
	if !deal.Settable || deal.Status != domain.DealTransactionCompleted {
		return nil, ErrWalletLogNotSettable
	}

	// 2. Single conditional test-and-set of the wallet log
	wl, err := scanWalletLog(tx.QueryRow(ctx, `
		UPDATE wallet_logs
		SET status = 'settled', is_settled = TRUE, settled_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND is_settled = FALSE
		RETURNING `+walletLogColumns, walletLogID, settledAt))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletLogAlreadyTaken
		}
		return nil, fmt.Errorf("failed to settle wallet log: %w", err)
	}

	// 3. Close the deal and journal the payout
	_, err = tx.Exec(ctx, `
		UPDATE deals
		SET status = 'settled', is_settled = TRUE, settable = FALSE, settled_at = $2, updated_at = $2
		WHERE id = $1
	`, deal.ID, settledAt)
	if err != nil {
		return nil, fmt.Errorf("failed to settle deal: %w", err)
	}
	if err := insertLedgerEntry(ctx, tx, wl, domain.LedgerPayout, -wl.Amount, settledAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return wl, nil
}

func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, walletLogID uuid.UUID) ([]domain.WalletLedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, wallet_log_id, deal_id, user_id, kind, amount, created_at
		FROM wallet_ledger_entries
		WHERE wallet_log_id = $1
		ORDER BY created_at, id
	`, walletLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletLedgerEntry
	for rows.Next() {
		var e domain.WalletLedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.WalletLogID, &e.DealID, &e.UserID, &kind, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.LedgerEntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Error logs

func (r *PostgresRepository) AppendErrorLog(ctx context.Context, entry *domain.PaymentErrorLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := string(entry.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_error_logs (id, payment_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, entry.ID, entry.PaymentID, string(entry.Kind), payload, entry.CreatedAt)
	return err
}

func (r *PostgresRepository) ListErrorLogs(ctx context.Context, filter domain.ErrorLogFilter) ([]domain.PaymentErrorLog, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, payment_id, kind, payload::text, created_at
		FROM payment_error_logs
		WHERE ($1 = '' OR kind = $1)
		  AND ($2::uuid IS NULL OR payment_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(filter.Kind), filter.PaymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentErrorLog
	for rows.Next() {
		var e domain.PaymentErrorLog
		var kind, payload string
		if err := rows.Scan(&e.ID, &e.PaymentID, &kind, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.ErrorKind(kind)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func dealStatusStrings(list []domain.DealStatus) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}

func deliveryStateStrings(list []domain.DeliveryState) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}
