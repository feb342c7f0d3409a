package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/logging"
)

const (
	taskTypeDrive   = "transcript:drive"
	taskTypeJanitor = "transcript:janitor"
	queueName       = "transcript"
)

// Runner は1件のジョブを終端状態まで駆動します。
type Runner interface {
	Drive(ctx context.Context, jobID string) error
}

// SweepFunc はキャッシュ掃除を1回実行します。
type SweepFunc func(ctx context.Context) error

// retryAfter は再試行までの待ち時間を指定できるエラーが実装します。
type retryAfter interface {
	RetryAfter() time.Duration
}

// ManagerOptions は Manager の設定です。
type ManagerOptions struct {
	RedisURL        string
	Concurrency     int
	TaskTimeout     time.Duration
	JanitorInterval time.Duration
	Logger          zerolog.Logger
}

// Manager は Asynq を使ってジョブの駆動をワーカーへ振り分けます。
// タスクIDにジョブIDを使うため、同じジョブのタスクは同時に1件しか存在しません。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	runner    Runner
	sweep     SweepFunc
	timeout   time.Duration
	logger    zerolog.Logger
}

// TaskPayload はジョブ駆動タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。sweep が nil の場合は定期掃除を登録しません。
func NewManager(opts ManagerOptions, runner Runner, sweep SweepFunc) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	opt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	logger := logging.Component(opts.Logger, "dispatcher")
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: opts.Concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			RetryDelayFunc: retryDelay,
			Logger:         asynqLogger{logger},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn().Err(err).Str("task", task.Type()).Msg("task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:    asynq.NewClient(opt),
		server:    server,
		inspector: asynq.NewInspector(opt),
		mux:       mux,
		runner:    runner,
		sweep:     sweep,
		timeout:   opts.TaskTimeout,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeDrive, manager.handleDriveTask)

	if sweep != nil && opts.JanitorInterval > 0 {
		mux.HandleFunc(taskTypeJanitor, manager.handleJanitorTask)
		manager.scheduler = asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: asynqLogger{logger}})
		cronspec := fmt.Sprintf("@every %s", opts.JanitorInterval)
		task := asynq.NewTask(taskTypeJanitor, nil)
		if _, err := manager.scheduler.Register(cronspec, task, asynq.Queue(queueName), asynq.MaxRetry(0)); err != nil {
			return nil, fmt.Errorf("failed to register janitor: %w", err)
		}
	}
	return manager, nil
}

// Start はワーカーとスケジューラをバックグラウンドで起動します。
func (m *Manager) Start() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	if m.scheduler != nil {
		if err := m.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start asynq scheduler: %w", err)
		}
	}
	return nil
}

// Shutdown はワーカーを停止し、接続を閉じます。
// 実行中のタスクは ctx 終了で中断され、非終端のまま次回の復旧で再開されます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	m.server.Shutdown()
	return errors.Join(m.client.Close(), m.inspector.Close())
}

// Dispatch はジョブ駆動タスクを投入します。同じジョブのタスクが待機中・実行中なら何もしません。
func (m *Manager) Dispatch(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeDrive, body)
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(25),
	}
	if m.timeout > 0 {
		opts = append(opts, asynq.Timeout(m.timeout))
	}

	_, err = m.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		reusable, ierr := m.releaseFinishedTask(jobID)
		if ierr != nil {
			return ierr
		}
		if !reusable {
			return nil
		}
		_, err = m.client.EnqueueContext(ctx, task, opts...)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	m.logger.Debug().Str("job", jobID).Msg("job dispatched")
	return nil
}

// releaseFinishedTask はアーカイブ済み・完了済みの古いタスクを削除し、IDを再利用できるようにします。
func (m *Manager) releaseFinishedTask(jobID string) (bool, error) {
	info, err := m.inspector.GetTaskInfo(queueName, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect task %s: %w", jobID, err)
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		if err := m.inspector.DeleteTask(queueName, jobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return false, fmt.Errorf("failed to delete finished task %s: %w", jobID, err)
		}
		return true, nil
	}
	return false, nil
}

func (m *Manager) handleDriveTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	return m.runner.Drive(ctx, payload.JobID)
}

func (m *Manager) handleJanitorTask(ctx context.Context, _ *asynq.Task) error {
	return m.sweep(ctx)
}

// retryDelay はリース待ちのエラーではリース期限まで待ち、それ以外は既定の指数バックオフを使います。
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	var ra retryAfter
	if errors.As(err, &ra) {
		return ra.RetryAfter() + time.Second
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// asynqLogger は asynq のログを zerolog に流します。
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
