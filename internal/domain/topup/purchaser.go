package topup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/reviewmaster/billing-api/internal/domain/wallet"
)

// Purchaser sells credit packs on demand.
type Purchaser struct {
	payer
}

func NewPurchaser(ledger Ledger, quoter Quoter, charger Charger, attempts AttemptRepository, cfg Config) *Purchaser {
	return &Purchaser{payer: payer{
		ledger:   ledger,
		quoter:   quoter,
		charger:  charger,
		attempts: attempts,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}}
}

// Purchase charges for credits and credits the wallet. A repeated requestKey
// reuses the processor idempotency key, so the account is charged once.
func (p *Purchaser) Purchase(ctx context.Context, walletID uuid.UUID, credits decimal.Decimal, requestKey string) (*Attempt, *wallet.Transaction, error) {
	if credits.LessThan(MinPurchase) || credits.GreaterThan(MaxPurchase) || !credits.Equal(credits.Truncate(0)) {
		return nil, nil, ErrInvalidAmount
	}

	w, err := p.ledger.Get(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}

	attempt, txn, err := p.buy(ctx, w, credits, KindManual, requestKey)
	if err != nil {
		log.Warn().Err(err).Str("wallet_id", walletID.String()).Str("credits", credits.String()).Msg("credit purchase failed")
		return attempt, nil, err
	}

	log.Info().
		Str("wallet_id", walletID.String()).
		Str("attempt_id", attempt.ID.String()).
		Str("credits", credits.String()).
		Str("total", attempt.Amount.String()).
		Msg("credit purchase completed")
	return attempt, txn, nil
}

// History lists recent attempts of a wallet, newest first.
func (p *Purchaser) History(ctx context.Context, walletID uuid.UUID, limit int) ([]*Attempt, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return p.attempts.List(ctx, walletID, limit)
}
