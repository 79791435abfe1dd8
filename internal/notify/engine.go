// ABOUTME: Notification dispatch engine. Claims unprocessed change events in
// ABOUTME: SKIP LOCKED batches, fans out to followers, emails per event.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/mail"
	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/worker"
)

// Engine drains a single tenant's unprocessed change events into
// notification rows and batched emails. At most one engine is active per
// tenant, guarded by a session advisory lock keyed separately from the queue
// worker's.
type Engine struct {
	cfg      *config.Config
	st       *store.Store
	mailer   *mail.Mailer
	matchers *MatcherRegistry
	logger   *slog.Logger
	// Continuous keeps the loop polling after the queue drains.
	Continuous bool
}

// NewEngine returns an Engine for the store's tenant.
func NewEngine(cfg *config.Config, st *store.Store, mailer *mail.Mailer, matchers *MatcherRegistry, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, st: st, mailer: mailer, matchers: matchers, logger: logger}
}

// pendingMail is one batched email accumulated while processing an event,
// sent only after the batch transaction commits.
type pendingMail struct {
	subject    string
	body       string
	html       string
	recipients []string
}

// Run processes change events until none are left (or forever in continuous
// mode). It returns nil without doing work when another engine already holds
// the tenant's lock.
//
// Followers and users are snapshotted once at start; changes to either are
// picked up by the next engine run, not mid-loop.
func (e *Engine) Run(ctx context.Context) error {
	logger := e.logger.With("tenant", e.st.Tenant(), "run_id", uuid.NewString())

	lock, err := e.st.TryAcquireLock(ctx, store.NotificationWorkerLockKey(e.st.Tenant()))
	if err != nil {
		return err
	}
	if lock == nil {
		logger.Info("notification worker already active, exiting")
		return nil
	}
	defer lock.Release(context.WithoutCancel(ctx))

	if err := e.st.RefreshHeartbeat(ctx, store.NotificationWorkerHeartbeat); err != nil {
		logger.Error("refresh heartbeat", "error", err)
	}
	stopBeat := e.startHeartbeat(ctx, logger)
	defer stopBeat()

	followers, err := e.st.ActiveFollowers(ctx)
	if err != nil {
		return fmt.Errorf("load followers: %w", err)
	}
	users, err := e.st.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	logger.Info("notification worker started",
		"pid", os.Getpid(), "followers", len(followers), "continuous", e.Continuous)

	idle := false
	for ctx.Err() == nil {
		processed, err := e.processBatch(ctx, followers, users, logger)
		if err != nil {
			// A batch failure counts as an idle pass, so a one-shot engine
			// facing an unreachable database still terminates. The launcher
			// relaunches it once the heartbeat goes stale.
			logger.Error("process event batch", "error", err)
		}
		if processed > 0 {
			idle = false
			continue
		}
		if e.Continuous {
			e.sleep(ctx)
			continue
		}
		if !idle {
			idle = true
			if !e.cfg.TestMode() {
				e.sleep(ctx)
			}
			continue
		}
		break
	}

	logger.Info("notification worker exiting")
	stopBeat()
	shutdownCtx := context.WithoutCancel(ctx)
	if err := e.st.DeleteParameter(shutdownCtx, store.NotificationWorkerHeartbeat); err != nil {
		logger.Error("clear heartbeat", "error", err)
	}
	return nil
}

// processBatch handles one loop iteration and returns the number of events it
// marked processed. Notification rows and the processed flags commit in one
// transaction; the emails accumulated along the way go out afterwards so a
// transport failure never rolls back dispatched notifications.
func (e *Engine) processBatch(ctx context.Context, followers []store.Follower, users map[string]*store.User, logger *slog.Logger) (int, error) {
	var (
		processed int
		mails     []pendingMail
	)
	err := e.st.WithTx(ctx, func(tx pgx.Tx) error {
		if len(followers) == 0 {
			n, err := store.MarkAllEventsProcessed(ctx, tx)
			if err != nil {
				return err
			}
			processed = int(n)
			return nil
		}
		events, err := store.ClaimUnprocessedEvents(ctx, tx, e.cfg.NotifyBatchSize)
		if err != nil {
			return err
		}
		for i := range events {
			ev := &events[i]
			// Each event dispatches inside its own savepoint: a bad event,
			// e.g. a follower user deleted after the startup snapshot, loses
			// its notifications but is still marked processed, and never
			// takes the rest of the batch down with it.
			sub, err := tx.Begin(ctx)
			if err != nil {
				return err
			}
			m, derr := e.dispatchEvent(ctx, sub, ev, followers, users, logger)
			if derr != nil {
				logger.Error("couldn't create notifications for event",
					"event", ev.ID, "model", ev.Model, "error", derr)
				if err := sub.Rollback(ctx); err != nil {
					return err
				}
				m = nil
			} else if err := sub.Commit(ctx); err != nil {
				return err
			}
			if m != nil {
				mails = append(mails, *m)
			}
			if err := store.MarkEventProcessed(ctx, tx, ev.ID); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, m := range mails {
		if err := e.mailer.Send(ctx, m.recipients, m.subject, m.body, m.html); err != nil {
			logger.Error("send notification email",
				"subject", m.subject, "recipients", len(m.recipients), "error", err)
		}
	}
	return processed, nil
}

// dispatchEvent fans one event out to the interested followers. It creates
// notification rows within tx and returns the batched email for the event,
// or nil when no email-type follower qualified.
func (e *Engine) dispatchEvent(ctx context.Context, tx pgx.Tx, ev *store.Event, followers []store.Follower, users map[string]*store.User, logger *slog.Logger) (*pendingMail, error) {
	matchers := e.matchers.ForEvent(ev.Model)
	if len(matchers) == 0 {
		return nil, nil
	}

	recipients := make(map[string]struct{})
	notified := make(map[string]struct{})
	for i := range followers {
		f := &followers[i]
		u := users[f.Username]
		if u == nil || !e.matchers.Allowed(u, ev.Model) {
			continue
		}
		// A user subscribed through several rows, e.g. a wildcard follow
		// plus a direct one, still gets exactly one notification per event.
		if _, done := notified[f.Username]; done {
			continue
		}
		// First match wins: one notification per follower per event, no
		// matter how many matchers qualify.
		for _, m := range matchers {
			if m.FollowerModel() != f.Model || !m.Matches(f, ev) {
				continue
			}
			if err := store.CreateNotificationTx(ctx, tx, ev.ID, f.Username, f.Type, f.ID); err != nil {
				return nil, err
			}
			notified[f.Username] = struct{}{}
			if f.Type == store.DeliveryEmail && e.mailer.Configured() {
				if mail.ValidAddress(u.Email) {
					recipients[u.Email] = struct{}{}
				} else {
					logger.Warn("follower has no usable email address",
						"username", f.Username, "event", ev.ID)
				}
			}
			break
		}
	}

	if len(recipients) == 0 {
		return nil, nil
	}
	to := make([]string, 0, len(recipients))
	for addr := range recipients {
		to = append(to, addr)
	}
	return &pendingMail{subject: Subject(ev), body: Body(ev), html: BodyHTML(ev), recipients: to}, nil
}

func (e *Engine) startHeartbeat(ctx context.Context, logger *slog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.st.RefreshHeartbeat(ctx, store.NotificationWorkerHeartbeat); err != nil {
					logger.Error("refresh heartbeat", "error", err)
				}
			}
		}
	}()
	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(done)
		<-stopped
	}
}

func (e *Engine) sleep(ctx context.Context) {
	t := time.NewTimer(e.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// EnsureWorker spawns a detached notification worker for the store's tenant
// unless one already advertises a fresh heartbeat. Call it after committing
// change events.
func EnsureWorker(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	fresh, err := st.HeartbeatFresh(ctx, store.NotificationWorkerHeartbeat)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	exe, err := cfg.Executable()
	if err != nil {
		return fmt.Errorf("resolve worker executable: %w", err)
	}
	logger.Info("launching notification worker", "tenant", st.Tenant())
	return worker.LaunchDetached(exe, "notificationworker", "--tenant", st.Tenant())
}
