package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	trackerPollTimeout = 2 * time.Minute
	releaseTaskPrefix  = "release:"

	maxConcurrentChecks = 8
)

// confirmationTracker runs while the application service is started. At every
// scheduler tick it advances the pending transaction records and consumes the locked
// funds of the withdrawals that got enough confirmations. It also re-checks ambiguous
// withdrawals and releases once their reconcile delay is over.
type confirmationTracker struct {
	svc *service

	polling *sync.Mutex
	// avoid scheduling the same reconciliation multiple times
	locker         *sync.Mutex
	scheduledTasks map[string]struct{}
}

func newConfirmationTracker(svc *service) *confirmationTracker {
	return &confirmationTracker{
		svc, &sync.Mutex{}, &sync.Mutex{}, make(map[string]struct{}),
	}
}

func (t *confirmationTracker) start() error {
	t.svc.scheduler.Start()

	if err := t.svc.scheduler.Every(t.poll); err != nil {
		return err
	}

	ctx := context.Background()
	ambiguous, err := t.svc.repoManager.Withdrawals().ListByState(
		ctx, domain.WithdrawalStateAmbiguous,
	)
	if err != nil {
		return err
	}
	if len(ambiguous) > 0 {
		log.Infof("tracker: restoring %d ambiguous withdrawals", len(ambiguous))
	}
	for _, withdrawal := range ambiguous {
		t.scheduleReconcile(withdrawal.ID)
	}
	return nil
}

// recoverInterrupted settles the withdrawals a previous process left between lock and
// commit. The store is owned by a single running instance, so anything in these
// states at startup has no pipeline driving it anymore. Without a stored txid nothing
// was submitted and the lock is released, otherwise the broadcast outcome is unknown.
func (t *confirmationTracker) recoverInterrupted(ctx context.Context) error {
	for _, state := range []domain.WithdrawalState{
		domain.WithdrawalStateLocked,
		domain.WithdrawalStateKeyDerived,
		domain.WithdrawalStateBroadcast,
	} {
		withdrawals, err := t.svc.repoManager.Withdrawals().ListByState(ctx, state)
		if err != nil {
			return err
		}
		if len(withdrawals) > 0 {
			log.Infof("tracker: recovering %d withdrawals left %s", len(withdrawals), state)
		}
		for i := range withdrawals {
			withdrawal := &withdrawals[i]
			if withdrawal.ChainTxID == "" {
				// nolint
				t.svc.rollbackWithdrawal(ctx, withdrawal, errors.New("interrupted before broadcast"))
				continue
			}
			log.WithFields(log.Fields{
				"withdrawal_id": withdrawal.ID,
				"txid":          withdrawal.ChainTxID,
			}).Warnf("tracker: withdrawal interrupted in state %s", withdrawal.State)
			t.svc.transition(ctx, withdrawal, domain.WithdrawalStateAmbiguous)
			t.svc.sendReconciliationAlert(
				ports.AmbiguousBroadcast, *withdrawal, "interrupted after signing",
			)
		}
	}
	return nil
}

func (t *confirmationTracker) stop() {
	t.svc.scheduler.Stop()
}

func (t *confirmationTracker) poll() {
	if !t.polling.TryLock() {
		log.Debug("tracker: previous poll still running")
		return
	}
	defer t.polling.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), trackerPollTimeout)
	defer cancel()

	records, err := t.svc.repoManager.TxRecords().ListPending(ctx)
	if err != nil {
		log.WithError(err).Warn("tracker: failed to list pending txs")
		return
	}
	log.Debugf("tracker: checking %d pending txs", len(records))

	// Records belong to distinct withdrawals, they are checked independently.
	g := &errgroup.Group{}
	g.SetLimit(maxConcurrentChecks)
	for _, record := range records {
		g.Go(func() error {
			if err := t.check(ctx, record); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"withdrawal_id": record.WithdrawalID,
					"txid":          record.ChainTxID,
				}).Warn("tracker: failed to check tx")
			}
			return nil
		})
	}
	// nolint:all
	g.Wait()
}

func (t *confirmationTracker) check(ctx context.Context, record domain.TransactionRecord) error {
	asset, err := t.svc.asset(record.AssetSymbol)
	if err != nil {
		return err
	}
	adapter, err := t.svc.adapters.ForAsset(asset)
	if err != nil {
		return err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, t.svc.adapterTimeout)
	state, err := adapter.Lookup(lookupCtx, record.ChainTxID)
	cancel()
	if err != nil {
		return err
	}
	if !state.Found {
		return nil
	}

	repo := t.svc.repoManager.TxRecords()

	if state.Failed {
		if err := repo.UpdateConfirmations(
			ctx, record.WithdrawalID, state.Confirmations, domain.TxStatusFailed,
		); err != nil {
			return err
		}
		withdrawal, err := t.svc.repoManager.Withdrawals().Get(ctx, record.WithdrawalID)
		if err != nil {
			return err
		}
		// funds stay locked, an operator decides whether the user is credited back
		t.svc.sendReconciliationAlert(ports.TxFailedOnChain, *withdrawal, "tx failed on chain")
		return nil
	}

	if state.Confirmations < record.RequiredConfirmations {
		if state.Confirmations == record.Confirmations {
			return nil
		}
		return repo.UpdateConfirmations(
			ctx, record.WithdrawalID, state.Confirmations, domain.TxStatusPending,
		)
	}

	// the record is marked before the ledger is touched so that a crash can never
	// consume the same locked funds twice
	if err := repo.UpdateConfirmations(
		ctx, record.WithdrawalID, state.Confirmations, domain.TxStatusConfirmed,
	); err != nil {
		return err
	}

	withdrawal, err := t.svc.repoManager.Withdrawals().Get(ctx, record.WithdrawalID)
	if err != nil {
		return err
	}
	if _, err := t.svc.repoManager.Wallets().Commit(
		ctx, withdrawal.UserID, withdrawal.AssetSymbol, withdrawal.Total,
	); err != nil {
		t.svc.sendReconciliationAlert(ports.ReconciliationRequired, *withdrawal, err.Error())
		return err
	}

	log.WithFields(log.Fields{
		"withdrawal_id": withdrawal.ID,
		"asset":         withdrawal.AssetSymbol,
		"confirmations": state.Confirmations,
	}).Infof("tx %s confirmed, consumed %s locked", record.ChainTxID, withdrawal.Total)
	t.svc.metrics.withdrawalConfirmed(ctx, withdrawal.AssetSymbol)
	return nil
}

func (t *confirmationTracker) scheduleReconcile(withdrawalID string) {
	t.schedule(withdrawalID, t.reconcileTask(withdrawalID))
}

func (t *confirmationTracker) scheduleReleaseReconcile(tradeID string) {
	t.schedule(releaseTaskPrefix+tradeID, t.reconcileReleaseTask(tradeID))
}

func (t *confirmationTracker) schedule(key string, task func()) {
	if t.svc.scheduler == nil || t.svc.reconcileAfter <= 0 {
		return
	}

	t.locker.Lock()
	defer t.locker.Unlock()

	if _, scheduled := t.scheduledTasks[key]; scheduled {
		return
	}

	now, err := t.svc.scheduler.Now()
	if err != nil {
		log.WithError(err).WithField("task", key).Warn("tracker: failed to schedule reconciliation")
		return
	}
	if err := t.svc.scheduler.ScheduleTaskOnce(now+t.svc.reconcileAfter, task); err != nil {
		log.WithError(err).WithField("task", key).Warn("tracker: failed to schedule reconciliation")
		return
	}
	t.scheduledTasks[key] = struct{}{}
}

func (t *confirmationTracker) done(key string) {
	t.locker.Lock()
	defer t.locker.Unlock()
	delete(t.scheduledTasks, key)
}

func (t *confirmationTracker) reconcileTask(withdrawalID string) func() {
	return func() {
		t.done(withdrawalID)

		ctx, cancel := context.WithTimeout(context.Background(), trackerPollTimeout)
		defer cancel()

		withdrawal, err := t.svc.Reconcile(ctx, withdrawalID)
		if err != nil {
			log.WithError(err).WithField("withdrawal_id", withdrawalID).
				Warn("tracker: reconciliation failed")
		}
		if withdrawal != nil && withdrawal.State == domain.WithdrawalStateAmbiguous {
			t.scheduleReconcile(withdrawalID)
		}
	}
}

func (t *confirmationTracker) reconcileReleaseTask(tradeID string) func() {
	return func() {
		t.done(releaseTaskPrefix + tradeID)

		ctx, cancel := context.WithTimeout(context.Background(), trackerPollTimeout)
		defer cancel()

		release, err := t.svc.ReconcileRelease(ctx, tradeID)
		if err != nil {
			log.WithError(err).WithField("trade_id", tradeID).
				Warn("tracker: release reconciliation failed")
			if arkerrors.RECONCILIATION_REQUIRED.Is(err) {
				return
			}
		}
		if release != nil && !release.State.IsFinal() && release.Txid != "" {
			t.scheduleReleaseReconcile(tradeID)
		}
	}
}
