package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/envelope"
	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
	"github.com/Al2800/takrust/sapient"
)

// howSensed marks bridge output as machine-sensed on the wire.
const howSensed = "m-s"

// alertType is the CoT type emitted for SAPIENT alerts.
const alertType = "b-a-o-tbl"

// pendingDetection holds a correlated detection whose dedup verdict has
// not been committed yet.
type pendingDetection struct {
	env envelope.Envelope[sapient.Message]
	det sapient.DetectionReport
	uid cot.Uid
}

// Bridge runs the deterministic SAPIENT-to-CoT pipeline. One bridge
// serves one SAPIENT session and is driven by a single task; stages own
// their state exclusively.
//
// Detections pass the later stages only once the deduplicator commits
// their verdict, which happens when the stream moves past their
// observation offset (or at Flush). Live clocks produce strictly
// increasing offsets, so this is one message of lookahead at most.
type Bridge struct {
	config     Config
	correlator *Correlator
	dedup      *Deduplicator
	timePolicy *TimePolicy
	mapper     *Mapper
	smoother   *Smoother
	emitter    *Emitter
	logger     *slog.Logger

	seq     uint64
	pending map[uint64]pendingDetection
	deduped uint64
}

// Deps holds runtime dependencies for a bridge.
type Deps struct {
	Config Config
	// TransportLimits are the downstream limits validated against under
	// strict mode.
	TransportLimits limits.Limits
	// ConformanceLabels is the label fixture strict startup checks the
	// classification table against.
	ConformanceLabels []string
	Logger            *slog.Logger
}

// New validates configuration (strict startup included) and builds the
// pipeline.
func New(deps Deps) (*Bridge, error) {
	if err := deps.Config.Validate(deps.TransportLimits, deps.ConformanceLabels); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "bridge")
	}

	correlator, err := NewCorrelator(deps.Config)
	if err != nil {
		return nil, err
	}

	return &Bridge{
		config:     deps.Config,
		correlator: correlator,
		dedup:      NewDeduplicator(deps.Config),
		timePolicy: NewTimePolicy(deps.Config),
		mapper:     NewMapper(deps.Config),
		smoother:   NewSmoother(deps.Config),
		emitter:    NewEmitter(deps.Config),
		logger:     logger,
		pending:    make(map[uint64]pendingDetection),
	}, nil
}

// Process runs one SAPIENT message through the pipeline. The returned
// events may belong to earlier messages whose dedup verdicts this
// message committed. Dropped messages produce no event and no error;
// fatal errors terminate the session.
func (b *Bridge) Process(env envelope.Envelope[sapient.Message]) ([]cot.Event, error) {
	outs, err := b.process(env)
	return stripEnvelopes(outs), err
}

// Flush commits and emits everything still buffered; call at end of
// stream.
func (b *Bridge) Flush() ([]cot.Event, error) {
	outs, err := b.flush()
	return stripEnvelopes(outs), err
}

func stripEnvelopes(outs []envelope.Envelope[cot.Event]) []cot.Event {
	if len(outs) == 0 {
		return nil
	}
	events := make([]cot.Event, len(outs))
	for i, out := range outs {
		events[i] = out.Message
	}
	return events
}

func (b *Bridge) process(env envelope.Envelope[sapient.Message]) ([]envelope.Envelope[cot.Event], error) {
	switch content := env.Message.Content.(type) {
	case sapient.DetectionReport:
		return b.processDetection(env, content)
	case sapient.Alert:
		return b.processAlert(env, content)
	default:
		// Registration, status, task traffic carries no track state.
		return nil, nil
	}
}

func (b *Bridge) flush() ([]envelope.Envelope[cot.Event], error) {
	return b.resolveDetections(b.dedup.Flush())
}

func (b *Bridge) processDetection(env envelope.Envelope[sapient.Message], det sapient.DetectionReport) ([]envelope.Envelope[cot.Event], error) {
	msg := env.Message
	observedAt := env.Observed.Monotonic

	uid, err := b.correlator.Correlate(CorrelationInput{
		NodeID:      msg.NodeID,
		ObjectID:    det.ObjectID,
		DetectionID: det.DetectionID,
	}, observedAt)
	if err != nil {
		return nil, err
	}

	seq := b.seq
	b.seq++
	b.pending[seq] = pendingDetection{env: env, det: det, uid: uid}

	key := b.dedup.Key(msg.NodeID, det, msg.Timestamp)
	return b.resolveDetections(b.dedup.Offer(key, observedAt, env.RawFrame, seq))
}

// resolveDetections runs committed detections through the remaining
// stages in resolution order.
func (b *Bridge) resolveDetections(resolutions []Resolution) ([]envelope.Envelope[cot.Event], error) {
	var outs []envelope.Envelope[cot.Event]
	for _, res := range resolutions {
		p, ok := b.pending[res.Seq]
		if !ok {
			continue
		}
		delete(b.pending, res.Seq)

		if res.Decision == Duplicate {
			b.deduped++
			continue
		}

		ev, emitted, err := b.emitDetection(p)
		if err != nil {
			return outs, err
		}
		if emitted {
			outs = append(outs, envelope.Envelope[cot.Event]{
				Observed: p.env.Observed,
				Peer:     p.env.Peer,
				Message:  ev,
			})
		}
	}
	return outs, nil
}

// emitDetection runs the post-dedup stages: time policy, mapping,
// smoothing, and the emitter gate.
func (b *Bridge) emitDetection(p pendingDetection) (cot.Event, bool, error) {
	msg := p.env.Message
	det := p.det
	observedAt := p.env.Observed.Monotonic

	times := b.timePolicy.Resolve(msg.Timestamp, p.env.Observed.Wall)

	best, hasClass := BestClassification(det.Classifications)
	label := best.Type
	if !hasClass {
		label = ""
	}
	cotType, err := b.mapper.MapClassification(label)
	if err != nil {
		return cot.Event{}, false, err
	}

	lat, lon := b.smoother.Apply(p.uid.String(), det.Latitude, det.Longitude, times.Time, observedAt)

	priority := b.emitter.PriorityFor(label)
	decision := b.emitter.Decide(p.uid.String(), priority, observedAt)
	if decision != Emit {
		b.logger.Debug("detection dropped by emitter",
			"uid", p.uid.String(), "decision", decision.String())
		return cot.Event{}, false, nil
	}

	point, err := cot.NewPosition(lat, lon)
	if err != nil {
		return cot.Event{}, false, fmt.Errorf("bridge: detection position: %w", err)
	}
	if det.HasAltitude {
		if point, err = point.WithHAE(det.AltitudeM); err != nil {
			return cot.Event{}, false, err
		}
	}

	var elements []cot.DetailElement
	if det.HasSpeed || det.HasCourse {
		speed, course := math.NaN(), math.NaN()
		if det.HasSpeed {
			speed = det.SpeedMS
		}
		if det.HasCourse {
			course = det.CourseDeg
		}
		kin, err := cot.NewKinematics(speed, course, math.NaN())
		if err != nil {
			return cot.Event{}, false, err
		}
		trk, err := cot.NewTrack(kin)
		if err != nil {
			return cot.Event{}, false, err
		}
		elements = append(elements, trk)
	}
	if prov, ok := ProvenanceDetail(msg.NodeID, det.Classifications); ok {
		elements = append(elements, prov)
	}
	elements = append(elements, b.mapper.BehaviourDetails(det.Behaviours)...)

	detail, err := cot.NewDetail(elements)
	if err != nil {
		return cot.Event{}, false, err
	}

	ev, err := cot.NewEvent(cot.EventSpec{
		Uid:    p.uid,
		Type:   cotType,
		How:    howSensed,
		Time:   times.Time,
		Start:  times.Start,
		Stale:  times.Stale,
		Point:  point,
		Detail: detail,
	})
	if err != nil {
		return cot.Event{}, false, err
	}
	return ev, true, nil
}

func (b *Bridge) processAlert(env envelope.Envelope[sapient.Message], alert sapient.Alert) ([]envelope.Envelope[cot.Event], error) {
	msg := env.Message
	observedAt := env.Observed.Monotonic

	// Alerts bypass dedup but still commit earlier detections first so
	// emission order follows the stream.
	outs, err := b.resolveDetections(b.dedup.Advance(observedAt))
	if err != nil {
		return outs, err
	}

	uid, err := cot.NewUid(b.config.UidPrefix + "-alert-" + msg.NodeID + "-" + alert.AlertID)
	if err != nil {
		return outs, err
	}

	// Alerts outrank every detection class.
	if b.emitter.Decide(uid.String(), 255, observedAt) != Emit {
		return outs, nil
	}

	times := b.timePolicy.Resolve(msg.Timestamp, env.Observed.Wall)
	cotType, err := cot.NewCotType(alertType)
	if err != nil {
		return outs, err
	}
	point, err := cot.NewPosition(0, 0)
	if err != nil {
		return outs, err
	}

	detail, err := cot.NewDetail([]cot.DetailElement{
		cot.Remarks{Source: msg.NodeID, Text: alert.Description},
		cot.Extension{Key: "alert/severity", Bytes: []byte(alert.Severity)},
	})
	if err != nil {
		return outs, err
	}

	ev, err := cot.NewEvent(cot.EventSpec{
		Uid: uid, Type: cotType, How: howSensed,
		Time: times.Time, Start: times.Start, Stale: times.Stale,
		Point: point, Detail: detail,
	})
	if err != nil {
		return outs, err
	}
	return append(outs, envelope.Envelope[cot.Event]{
		Observed: env.Observed,
		Peer:     env.Peer,
		Message:  ev,
	}), nil
}

// Run drives the pipeline from a SAPIENT source into a CoT sink until
// the context ends or the source closes. Messages are processed in
// arrival order; transient stage errors drop the message and continue,
// fatal errors terminate the session. A closed source flushes the
// buffered tail before returning.
func (b *Bridge) Run(ctx context.Context, source envelope.Source[sapient.Message], sink envelope.Sink[cot.Event]) error {
	for {
		env, err := source.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errors.ErrClosed) {
				outs, ferr := b.flush()
				if ferr != nil && errors.IsFatal(ferr) {
					return ferr
				}
				for _, out := range outs {
					if serr := sink.Send(ctx, out); serr != nil {
						return errors.WrapTransient(serr, "bridge", "Run", "sink send")
					}
				}
				return nil
			}
			return err
		}

		outs, err := b.process(env)
		if err != nil {
			if errors.IsFatal(err) {
				return err
			}
			b.logger.Warn("dropping message after stage error", "error", err)
		}

		for _, out := range outs {
			if err := sink.Send(ctx, out); err != nil {
				return errors.WrapTransient(err, "bridge", "Run", "sink send")
			}
		}
	}
}

// DedupedCount returns the number of messages dropped as duplicates.
func (b *Bridge) DedupedCount() uint64 { return b.deduped }

// EmitterStats returns emitted and dropped counts.
func (b *Bridge) EmitterStats() (emitted, dropped uint64) {
	return b.emitter.Emitted(), b.emitter.Dropped()
}

// Close releases pipeline resources.
func (b *Bridge) Close() error { return b.correlator.Close() }
