package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpSettle/internal/chain"
	"PerpSettle/internal/event"
	"PerpSettle/internal/exchange"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/types"
)

const DefaultDedupCapacity = 1_000_000

// Output is what one accepted command produced. Persistence writes the command
// and its envelopes in one transaction; projections and the publisher read the
// envelopes.
type Output struct {
	Command    Command
	CommandSeq int64
	Envelopes  []event.EventEnvelope
	StateHash  common.Hash
}

// Result is returned to the submitter of a command.
type Result struct {
	CommandID  string                `json:"command_id"`
	CommandSeq int64                 `json:"command_seq,omitempty"`
	Key        common.Hash           `json:"key,omitempty"`
	Duplicate  bool                  `json:"duplicate,omitempty"`
	Events     []event.EventEnvelope `json:"events,omitempty"`
}

type Options struct {
	Exchange       *exchange.Exchange
	PersistChan    chan<- Output
	ProjectionChan chan<- Output
	DBChecker      DBChecker
	DedupCapacity  int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// Processor is the single writer in front of the exchange. It deduplicates
// commands, stamps the chain head they ran at, seals their events into a hash
// chain and hands the result to persistence.
type Processor struct {
	mu sync.Mutex

	ex          *exchange.Exchange
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	commandSeq int64 // last accepted command
	eventSeq   int64 // last sealed event
	collected  []event.Event

	// set when a committed command could not be handed to persistence
	unpersisted error

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func NewProcessor(opts Options) *Processor {
	capacity := opts.DedupCapacity
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}

	p := &Processor{
		ex:             opts.Exchange,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics, opts.Logger),
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}
	opts.Exchange.SetSink(exchange.EventSinkFunc(p.collect))
	return p
}

func (p *Processor) collect(events []event.Event) {
	p.collected = append(p.collected, events...)
}

func (p *Processor) Exchange() *exchange.Exchange {
	return p.ex
}

// Process applies one command. A rejected command leaves no trace and may be
// resubmitted with the same ID.
func (p *Processor) Process(ctx context.Context, cmd Command) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unpersisted != nil {
		return Result{CommandID: cmd.ID}, fmt.Errorf("processor halted: %w", p.unpersisted)
	}

	start := time.Now()
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	kind := string(cmd.Type)

	if p.idempotency.IsDuplicate(kind, cmd.ID) {
		if p.metrics != nil {
			p.metrics.CommandsRejected.WithLabelValues(kind, "duplicate").Inc()
		}
		return Result{CommandID: cmd.ID, Duplicate: true}, nil
	}

	frozen := chain.Freeze(p.ex.Chain())
	head := frozen.Head()
	cmd.Head = &head
	cmd.BlockHashes = nil
	if ps := priceSetOf(cmd); ps != nil {
		cmd.BlockHashes = map[uint64]common.Hash{ps.BlockNumber: ps.BlockHash}
	}

	p.collected = p.collected[:0]
	var key common.Hash
	err := p.ex.WithChain(frozen, func() error {
		var err error
		key, err = dispatch(p.ex, cmd)
		return err
	})
	if err != nil {
		if errors.Is(err, types.ErrMalformedCommand) || errors.Is(err, types.ErrUnknownCommand) {
			if p.metrics != nil {
				p.metrics.CommandsRejected.WithLabelValues(kind, types.KindValidation.String()).Inc()
			}
		}
		p.logger.Debug().
			Str("command", kind).
			Str("id", cmd.ID).
			Err(err).
			Msg("command rejected")
		return Result{CommandID: cmd.ID}, err
	}

	envelopes := p.seal(cmd.ID, head.BlockNumber, p.collected)
	p.commandSeq++

	out := Output{
		Command:    cmd,
		CommandSeq: p.commandSeq,
		Envelopes:  envelopes,
		StateHash:  p.hasher.Tip(),
	}
	// The exchange has committed and the sequences have advanced, so the
	// command counts as processed even if it never reaches the log.
	p.idempotency.MarkProcessed(kind, cmd.ID)
	if err := p.emit(ctx, out); err != nil {
		// Memory is now ahead of the command log. The process must restart,
		// and recovery replays from the last verified snapshot, so this
		// command is lost unless the client resubmits it.
		p.logger.Error().
			Str("command", kind).
			Str("id", cmd.ID).
			Int64("command_seq", out.CommandSeq).
			Int64("event_seq", p.eventSeq).
			Err(err).
			Msg("committed command not persisted; restart to recover from the last snapshot")
		p.unpersisted = err
		return Result{CommandID: cmd.ID, CommandSeq: out.CommandSeq}, err
	}

	if p.metrics != nil {
		p.metrics.CoreSequence.Set(float64(p.eventSeq))
		p.metrics.IngestToApply.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}

	return Result{
		CommandID:  cmd.ID,
		CommandSeq: out.CommandSeq,
		Key:        key,
		Events:     envelopes,
	}, nil
}

// seal assigns sequences and chains hashes. Encoding failures after a commit
// cannot be reverted and are fatal.
func (p *Processor) seal(commandID string, block uint64, events []event.Event) []event.EventEnvelope {
	start := time.Now()
	envelopes := make([]event.EventEnvelope, 0, len(events))
	for i, evt := range events {
		env, err := event.Encode(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
		}
		p.eventSeq++
		env.Sequence = p.eventSeq
		env.CommandID = commandID
		env.Index = i
		env.BlockNumber = block
		env.PrevHash, env.StateHash = p.hasher.Next(env.Sequence, envelopeDigest(commandID, i, int32(env.EventType), env.Payload))
		envelopes = append(envelopes, env)
	}
	if p.metrics != nil && len(events) > 0 {
		p.metrics.CoreStateHashDur.Observe(time.Since(start).Seconds())
	}
	return envelopes
}

// emit blocks on persistence and never blocks on projections. The command is
// already committed in memory, so the only way out of a full persist channel
// is shutdown. After a failed emit the processor refuses further commands
// until it is rebuilt by persistence.Recover.
func (p *Processor) emit(ctx context.Context, out Output) error {
	if p.persistChan != nil {
		select {
		case p.persistChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			select {
			case p.persistChan <- out:
			case <-ctx.Done():
				return fmt.Errorf("persist command %d: %w", out.CommandSeq, ctx.Err())
			}
		}
	}

	if p.projectionChan != nil {
		select {
		case p.projectionChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
	return nil
}

// Replay reapplies logged commands at the heads they originally ran at. Events
// are sealed so the hash chain advances, but nothing is emitted.
func (p *Processor) Replay(ctx context.Context, cmds []Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cmd.Head == nil {
			return fmt.Errorf("replay command %s: no recorded head", cmd.ID)
		}

		p.collected = p.collected[:0]
		pinned := chain.NewPinned(*cmd.Head, cmd.BlockHashes)
		err := p.ex.WithChain(pinned, func() error {
			_, err := dispatch(p.ex, cmd)
			return err
		})
		if err != nil {
			return fmt.Errorf("replay diverged at command %s (%s): %w", cmd.ID, cmd.Type, err)
		}

		p.seal(cmd.ID, cmd.Head.BlockNumber, p.collected)
		p.commandSeq++
		p.idempotency.MarkProcessed(string(cmd.Type), cmd.ID)

		if p.metrics != nil {
			p.metrics.ReplayCommandsTotal.Inc()
		}
	}

	if p.metrics != nil {
		p.metrics.ReplayDuration.Set(time.Since(start).Seconds())
		p.metrics.CoreSequence.Set(float64(p.eventSeq))
	}
	p.logger.Info().
		Int("commands", len(cmds)).
		Int64("command_seq", p.commandSeq).
		Int64("event_seq", p.eventSeq).
		Dur("took", time.Since(start)).
		Msg("replay complete")
	return nil
}

// Sequence returns the last accepted command and the last sealed event.
func (p *Processor) Sequence() (commandSeq, eventSeq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commandSeq, p.eventSeq
}

// StateHash returns the tip of the event hash chain.
func (p *Processor) StateHash() common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasher.Tip()
}

// === Snapshots ===

// SnapshotState is everything needed to resume without replaying the whole log.
type SnapshotState struct {
	CommandSeq      int64           `json:"command_seq"`
	EventSeq        int64           `json:"event_seq"`
	StateHash       common.Hash     `json:"state_hash"`
	Exchange        *exchange.State `json:"exchange"`
	IdempotencyKeys []string        `json:"idempotency_keys"`
}

func (p *Processor) CreateSnapshotState() *SnapshotState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &SnapshotState{
		CommandSeq:      p.commandSeq,
		EventSeq:        p.eventSeq,
		StateHash:       p.hasher.Tip(),
		Exchange:        p.ex.Export(),
		IdempotencyKeys: p.idempotency.Keys(),
	}
}

// RestoreFromSnapshot loads snap into a fresh processor. Commands after
// snap.CommandSeq are then replayed from the log.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Exchange != nil {
		if err := p.ex.Restore(snap.Exchange); err != nil {
			return fmt.Errorf("restore exchange: %w", err)
		}
	}
	p.commandSeq = snap.CommandSeq
	p.eventSeq = snap.EventSeq
	p.hasher.Reset(snap.StateHash)
	p.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent command keys so restarts do not hit the database for them.
func (p *Processor) WarmLRU(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idempotency.Warm(keys)
}

// === Run loop ===

// Submission carries a command into Run and its outcome back.
type Submission struct {
	Command Command
	Reply   chan<- Reply
}

type Reply struct {
	Result Result
	Err    error
}

// Run serves submissions until ctx is done or in is closed.
func (p *Processor) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			res, err := p.Process(ctx, sub.Command)
			if sub.Reply != nil {
				sub.Reply <- Reply{Result: res, Err: err}
			}
		}
	}
}

// Submit sends cmd to a running processor and waits for the outcome.
func Submit(ctx context.Context, in chan<- Submission, cmd Command) (Result, error) {
	reply := make(chan Reply, 1)
	select {
	case in <- Submission{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
