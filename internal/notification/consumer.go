package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nao1215/projecthub/pkg/broker"
	"github.com/nao1215/projecthub/pkg/event"
	"github.com/nao1215/projecthub/pkg/logging"
)

// ErrConsumerFatal はコンシューマーが処理を継続できない状態で停止したことを表す。
var ErrConsumerFatal = errors.New("通知コンシューマーが致命的なエラーで停止しました")

// payloadLogLimit はデシリアライズ失敗時にログへ出力するペイロードの最大バイト数。
const payloadLogLimit = 256

// State はコンシューマーの状態。
type State int32

const (
	// StateStopped は停止中。
	StateStopped State = iota
	// StateSubscribing はブローカーへの接続確認中。
	StateSubscribing
	// StatePolling は次のメッセージを待っている。
	StatePolling
	// StateProcessing はメッセージをデコード・永続化している。
	StateProcessing
	// StateCommitting はオフセットをコミットしている。
	StateCommitting
)

// String は状態の文字列表現を返す。
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateSubscribing:
		return "subscribing"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Appender は通知を永続化する先の抽象。*Store がこれを満たす。
type Appender interface {
	Append(ctx context.Context, n Notification) (int64, error)
}

// ConsumerConfig はコンシューマーの動作設定。
type ConsumerConfig struct {
	// Topic はログ出力用の購読トピック名。
	Topic string
	// PollInterval は1回のフェッチを待つ最大時間。キャンセルはこの間隔以内に検知される。
	// 永続化を再試行する際の初回の待ち時間にも使う。
	PollInterval time.Duration
	// MaxBackoff は永続化を再試行する際の待ち時間の上限。
	MaxBackoff time.Duration
	// PersistTimeout は通知1件の永続化にかける最大時間。
	PersistTimeout time.Duration
	// CommitTimeout はオフセットのコミットにかける最大時間。
	CommitTimeout time.Duration
	// StartupTimeout は起動時の接続確認にかける最大時間。
	StartupTimeout time.Duration
	// Probe は起動時にブローカーへ接続できるかを確認する。nilの場合は確認しない。
	Probe func(ctx context.Context) error
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = max(30*time.Second, c.PollInterval)
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 15 * time.Second
	}
	return c
}

// ConsumerStats はコンシューマーの処理結果の集計。
type ConsumerStats struct {
	// Consumed は受信したメッセージ数。
	Consumed uint64 `json:"consumed"`
	// Persisted は永続化に成功した通知数。
	Persisted uint64 `json:"persisted"`
	// Dropped はデシリアライズできずに破棄したメッセージ数。
	Dropped uint64 `json:"dropped"`
	// PersistFailures は永続化に失敗した回数（再試行を含む）。
	PersistFailures uint64 `json:"persist_failures"`
	// CommitFailures はオフセットのコミットに失敗した回数。
	CommitFailures uint64 `json:"commit_failures"`
	// FetchErrors はメッセージ取得に失敗した回数。
	FetchErrors uint64 `json:"fetch_errors"`
	// Panics は処理中に回復したパニックの回数。
	Panics uint64 `json:"panics"`
}

// Consumer は通知イベントを購読して受信者ごとの通知として保存する。
type Consumer struct {
	reader broker.MessageReader
	store  Appender
	cfg    ConsumerConfig
	logger *slog.Logger

	state     atomic.Int32
	running   atomic.Bool
	closeOnce sync.Once

	mu    sync.RWMutex
	fatal error

	consumed        atomic.Uint64
	persisted       atomic.Uint64
	dropped         atomic.Uint64
	persistFailures atomic.Uint64
	commitFailures  atomic.Uint64
	fetchErrors     atomic.Uint64
	panics          atomic.Uint64
}

// NewConsumer は新しいコンシューマーを生成する。
// readerの所有権はConsumerに移り、Runの終了時に閉じられる。
func NewConsumer(reader broker.MessageReader, store Appender, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader: reader,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logging.OrDefault(logger).With(slog.String("component", "notification-consumer")),
	}
}

// Run はctxがキャンセルされるまでメッセージを処理し続ける。
// 起動時の接続確認に失敗した場合はErrConsumerFatalをラップしたエラーを返す。
// キャンセルによる停止ではnilを返す。いずれの場合もreaderを閉じてから戻る。
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("コンシューマーは既に実行中です")
	}
	defer c.running.Store(false)
	defer c.closeReader()
	defer c.setState(StateStopped)

	if err := c.subscribe(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	c.logger.Info("通知コンシューマーを開始しました", slog.String("topic", c.cfg.Topic))
	defer c.logger.Info("通知コンシューマーを停止しました")

	for {
		c.setState(StatePolling)
		if ctx.Err() != nil {
			return nil
		}

		msg, err := c.fetch(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, context.DeadlineExceeded):
				// ポーリング間隔内にメッセージが無かった
				continue
			case errors.Is(err, io.EOF):
				c.logger.Warn("リーダーが閉じられたため停止します")
				return nil
			default:
				c.fetchErrors.Add(1)
				c.logger.Error("メッセージの取得に失敗しました", slog.Any("error", err))
				c.wait(ctx, c.cfg.PollInterval)
				continue
			}
		}

		c.consumed.Add(1)
		switch c.process(ctx, msg) {
		case outcomeCommit:
			c.commit(ctx, msg)
		case outcomeAbandon:
			c.logger.Warn("永続化の完了前に停止要求を受けたため、コミットせずに停止します",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			return nil
		case outcomeSkip:
		}
	}
}

// subscribe はブローカーへの接続を確認する。
func (c *Consumer) subscribe(ctx context.Context) error {
	c.setState(StateSubscribing)
	if c.cfg.Probe == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	err := c.cfg.Probe(probeCtx)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	fatal := fmt.Errorf("%w: ブローカーに接続できません: %v", ErrConsumerFatal, err)
	c.mu.Lock()
	c.fatal = fatal
	c.mu.Unlock()
	c.logger.Error("ブローカーへの接続確認に失敗しました",
		slog.String("topic", c.cfg.Topic),
		slog.Any("error", err),
	)
	return fatal
}

// fetch はPollIntervalを上限として次のメッセージを待つ。
func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollInterval)
	defer cancel()
	return c.reader.FetchMessage(pollCtx)
}

type outcome int

const (
	// outcomeCommit は永続化または破棄が完了しコミットすべきことを表す。
	outcomeCommit outcome = iota
	// outcomeAbandon は永続化が完了する前に停止要求を受けたことを表す。
	outcomeAbandon
	// outcomeSkip はデコードや変換の途中でパニックが発生しコミットしないことを表す。
	// 後続メッセージのコミットでオフセットが進むため、再起動前に後続が
	// コミットされた場合このメッセージは再配送されない。
	// ストアのパニックはここに含まず、永続化の失敗として再試行する。
	outcomeSkip
)

// process はメッセージをデコードして永続化する。
func (c *Consumer) process(ctx context.Context, msg kafka.Message) (result outcome) {
	c.setState(StateProcessing)
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error("メッセージの処理中にパニックが発生しました。このメッセージはコミットしません",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("key", string(msg.Key)),
				slog.String("payload", payloadPrefix(msg.Value)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = outcomeSkip
		}
	}()

	env, err := event.Decode(msg.Value)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Warn("デシリアライズできないメッセージを破棄します",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("key", string(msg.Key)),
			slog.String("payload", payloadPrefix(msg.Value)),
			slog.Any("error", err),
		)
		return outcomeCommit
	}

	if !c.persist(ctx, msg, FromEnvelope(env)) {
		return outcomeAbandon
	}
	return outcomeCommit
}

// persist は成功するかctxがキャンセルされるまで同じ通知の永続化を再試行する。
// 待ち時間はPollIntervalから倍々に増やし、MaxBackoffで頭打ちにする。
func (c *Consumer) persist(ctx context.Context, msg kafka.Message, n Notification) bool {
	backoff := c.cfg.PollInterval
	for attempt := 1; ; attempt++ {
		// 実行中の書き込みは停止要求で中断しない
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PersistTimeout)
		id, err := c.append(persistCtx, n)
		cancel()
		if err == nil {
			c.persisted.Add(1)
			c.logger.Debug("通知を保存しました",
				slog.Int64("notification_id", id),
				slog.String("recipient_id", n.RecipientID),
				slog.String("event_type", n.EventType.String()),
				slog.String("event_id", n.EventID),
			)
			return true
		}

		c.persistFailures.Add(1)
		c.logger.Error("通知の保存に失敗しました。同じメッセージを再試行します",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		if !c.wait(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// append はストアに通知を保存する。ストア内のパニックはErrPersistenceとして返す。
func (c *Consumer) append(ctx context.Context, n Notification) (id int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error("通知の保存中にパニックが発生しました",
				slog.String("event_id", n.EventID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w: パニック: %v", ErrPersistence, r)
		}
	}()
	return c.store.Append(ctx, n)
}

// commit はメッセージのオフセットを同期的にコミットする。
// 失敗しても通知は保存済みのため、ログと集計のみ行う（再配信時は重複として保存される）。
func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	c.setState(StateCommitting)
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		c.commitFailures.Add(1)
		c.logger.Error("オフセットのコミットに失敗しました",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err),
		)
	}
}

// wait はdだけ待つ。途中でctxがキャンセルされた場合はfalseを返す。
func (c *Consumer) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) closeReader() {
	c.closeOnce.Do(func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error("リーダーのクローズに失敗しました", slog.Any("error", err))
		}
	})
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// State は現在の状態を返す。
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Err は致命的なエラーで停止した場合にそのエラーを返す。
func (c *Consumer) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fatal
}

// Stats は処理結果の集計を返す。
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed:        c.consumed.Load(),
		Persisted:       c.persisted.Load(),
		Dropped:         c.dropped.Load(),
		PersistFailures: c.persistFailures.Load(),
		CommitFailures:  c.commitFailures.Load(),
		FetchErrors:     c.fetchErrors.Load(),
		Panics:          c.panics.Load(),
	}
}

func payloadPrefix(b []byte) string {
	if len(b) > payloadLogLimit {
		return string(b[:payloadLogLimit]) + "..."
	}
	return string(b)
}
