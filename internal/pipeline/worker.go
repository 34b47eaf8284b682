package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/otoscribe/livesub/internal/chunker"
	"github.com/otoscribe/livesub/internal/diagnose"
	"github.com/otoscribe/livesub/internal/observe"
	"github.com/otoscribe/livesub/internal/subtitle"
	"github.com/otoscribe/livesub/internal/textseg"
	"github.com/otoscribe/livesub/pkg/audio"
	"github.com/otoscribe/livesub/pkg/provider/asr"
	"github.com/otoscribe/livesub/pkg/provider/translate"
)

// translateJob is one queued async translation.
type translateJob struct {
	lineID uint64
	line   subtitle.Line
}

// run is the worker loop. It owns the stream, the VAD session, the chunker,
// and the segmenter for its whole lifetime.
func (p *Pipeline) run(ctx context.Context) {
	p.mu.Lock()
	done := p.done
	cancel := p.cancel
	p.mu.Unlock()
	defer close(done)
	defer cancel()

	jobs := p.jobsChannel()
	if jobs != nil {
		go p.translateLoop(ctx, jobs)
	}

	chCfg := p.cfg.Chunker
	chCfg.OnDiscard = func(u *chunker.Utterance) {
		p.metrics.UtterancesDiscarded.Add(ctx, 1)
		p.log.Debug("utterance below minimum, discarded", "duration_sec", u.Duration())
	}
	chCfg.OnGap = func(missing uint64) {
		p.metrics.FrameGaps.Add(ctx, int64(missing))
		p.log.Warn("frame sequence gap", "missing", missing)
	}
	ch, err := chunker.New(chCfg)
	if err != nil {
		p.fail(ctx, err)
		return
	}
	seg, err := textseg.New(p.cfg.Segmenter)
	if err != nil {
		p.fail(ctx, err)
		return
	}

	restarts := 0
	paused := false
	for {
		stream, err := p.source.Open(ctx, p.cfg.Stream)
		if err != nil {
			if ctx.Err() != nil {
				p.shutdown(ch, seg, jobs)
				return
			}
			restarts++
			p.metrics.SourceRestarts.Add(ctx, 1)
			if restarts > p.cfg.MaxRestarts {
				p.fail(ctx, err)
				return
			}
			p.log.Warn("audio source open failed, retrying",
				"attempt", restarts, "max", p.cfg.MaxRestarts, "error", err)
			select {
			case <-time.After(restartBackoff):
			case <-ctx.Done():
			}
			continue
		}

		sess, err := p.vad.NewSession(p.vadConfig())
		if err != nil {
			_ = stream.Close()
			p.fail(ctx, err)
			return
		}

		p.markRunning(ctx)

	frames:
		for {
			select {
			case <-ctx.Done():
				_ = stream.Close()
				_ = sess.Close()
				p.shutdown(ch, seg, jobs)
				return

			case cmd := <-p.pauseCh:
				if cmd.want && !paused {
					paused = true
					if p.cfg.Pause == PauseFinalize {
						if u := ch.ForceFinalize(); u != nil {
							p.processUtterance(ctx, u, seg)
						}
					}
				} else if !cmd.want {
					paused = false
				}
				close(cmd.ack)

			case frame, ok := <-stream.Frames():
				if !ok {
					_ = sess.Close()
					if streamErr := stream.Err(); streamErr != nil {
						ch.Reset()
						restarts++
						p.metrics.SourceRestarts.Add(ctx, 1)
						if restarts > p.cfg.MaxRestarts {
							p.fail(ctx, streamErr)
							return
						}
						p.log.Warn("audio source failed, restarting",
							"attempt", restarts, "max", p.cfg.MaxRestarts, "error", streamErr)
						select {
						case <-time.After(restartBackoff):
						case <-ctx.Done():
						}
						break frames
					}
					// Clean end of stream (replay exhausted, deliberate
					// remote close): flush and stop.
					p.shutdown(ch, seg, jobs)
					return
				}
				if paused {
					continue
				}
				p.metrics.FramesProcessed.Add(ctx, 1)
				label, err := sess.Classify(frame.PCM)
				if err != nil {
					p.log.Warn("VAD classify failed, frame skipped", "error", err)
					continue
				}
				u, err := ch.Feed(frame, label)
				if err != nil {
					p.log.Warn("chunker rejected frame", "error", err)
					continue
				}
				if u != nil {
					p.processUtterance(ctx, u, seg)
				}
			}
		}
	}
}

// shutdown runs the final flush on its own short-lived context (the worker
// context may already be cancelled) and lands in the stopped state.
func (p *Pipeline) shutdown(ch *chunker.Chunker, seg *textseg.Segmenter, jobs chan translateJob) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	p.drain(ctx, ch, seg, jobs)
	p.setState(ctx, StateStopped)
}

// drain finalizes in-flight audio and text on the way out, then works off
// any queued translations so clean stops do not lose patches.
func (p *Pipeline) drain(ctx context.Context, ch *chunker.Chunker, seg *textseg.Segmenter, jobs chan translateJob) {
	if u := ch.ForceFinalize(); u != nil {
		p.processUtterance(ctx, u, seg)
	}
	for _, s := range seg.Flush() {
		p.commitLine(ctx, s, jobs)
	}
	if jobs == nil {
		return
	}
	// The worker is the only producer and it is done; closing lets the
	// translator loop work off the backlog and exit.
	close(jobs)
	p.mu.Lock()
	loopDone := p.loopDone
	p.mu.Unlock()
	select {
	case <-loopDone:
	case <-ctx.Done():
		p.log.Info("translations abandoned at shutdown")
	}
}

// fail reports a terminal fault: an error event with remediation context,
// then the error state.
func (p *Pipeline) fail(ctx context.Context, err error) {
	p.log.Error("pipeline halted", "error", err)
	p.pushEvent(ctx, subtitle.Event{
		Kind:   subtitle.KindError,
		Cause:  diagnose.Summarize(err),
		Hint:   diagnose.Hint(err),
		LogRef: observe.CorrelationID(ctx),
	})
	p.setState(ctx, StateError)
}

// processUtterance transcribes one finalized utterance and pushes any lines
// the commit gate releases.
func (p *Pipeline) processUtterance(ctx context.Context, u *chunker.Utterance, seg *textseg.Segmenter) {
	p.metrics.RecordUtterance(ctx, string(u.Reason))

	sctx, span := observe.StartSpan(ctx, "asr.transcribe")
	defer span.End()

	// Whisper wants mono; a stereo capture is down-mixed here, after the
	// chunker, so frame timing stays in capture terms.
	pcm := u.PCM
	if p.cfg.Stream.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}

	tctx, cancel := context.WithTimeout(sctx, p.cfg.ASRTimeout)
	start := time.Now()
	res, err := p.asr.Transcribe(tctx, asr.Request{
		PCM:        pcm,
		SampleRate: u.SampleRate,
		Language:   p.cfg.Language,
	})
	cancel()
	p.metrics.ASRDuration.Record(sctx, time.Since(start).Seconds())
	if errors.Is(err, asr.ErrNoSpeech) {
		p.log.Debug("no speech in utterance", "duration_sec", u.Duration())
		return
	}
	if err != nil {
		p.metrics.RecordProviderError(sctx, p.cfg.ASRName, "asr")
		p.log.Warn("transcription failed, utterance skipped",
			"duration_sec", u.Duration(), "reason", u.Reason, "error", err)
		return
	}
	if res.Text == "" {
		return
	}

	jobs := p.jobsChannel()
	for _, s := range seg.Push(res.Text, u.T0, u.T1) {
		p.commitLine(sctx, s, jobs)
	}
}

// jobsChannel returns the async translation queue created by Start, or nil
// when async translation is off.
func (p *Pipeline) jobsChannel() chan translateJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs
}

// commitLine allocates a line ID, publishes the insert event, archives, and
// hands the line to translation.
func (p *Pipeline) commitLine(ctx context.Context, s textseg.Segment, jobs chan translateJob) {
	line := subtitle.Line{
		ID:     p.nextID.Add(1),
		Source: s.Text,
		T0:     s.T0,
		T1:     s.T1,
	}
	p.metrics.LinesCommitted.Add(ctx, 1)

	if p.translator != nil && !p.cfg.TranslateAsync {
		// Inline translation: the insert event carries the translated
		// text. Failure degrades to source-only.
		if tr, err := p.translateText(ctx, line.Source); err == nil {
			line.Translated = tr
		}
	}

	p.pushEvent(ctx, subtitle.Event{Kind: subtitle.KindInsert, Line: line})
	if p.archive != nil {
		if err := p.archive.SaveLine(ctx, line); err != nil {
			p.log.Warn("line archival failed", "line_id", line.ID, "error", err)
		}
	}

	if p.translator != nil && p.cfg.TranslateAsync && jobs != nil {
		p.enqueueTranslate(jobs, translateJob{lineID: line.ID, line: line})
	}
}

// enqueueTranslate adds a job, discarding the oldest queued job when full.
// Only the worker goroutine enqueues, so the drop-then-retry loop cannot
// livelock.
func (p *Pipeline) enqueueTranslate(jobs chan translateJob, job translateJob) {
	for {
		select {
		case jobs <- job:
			return
		default:
		}
		select {
		case old := <-jobs:
			p.log.Debug("translation queue full, oldest job dropped", "line_id", old.lineID)
		default:
		}
	}
}

// translateLoop consumes async translation jobs and publishes patch events.
// It exits when the queue closes (clean drain) or the worker context ends.
func (p *Pipeline) translateLoop(ctx context.Context, jobs chan translateJob) {
	p.mu.Lock()
	loopDone := p.loopDone
	p.mu.Unlock()
	defer close(loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.deliverTranslation(ctx, job)
		}
	}
}

// deliverTranslation translates one committed line and publishes its patch.
func (p *Pipeline) deliverTranslation(ctx context.Context, job translateJob) {
	tr, err := p.translateText(ctx, job.line.Source)
	if err != nil || tr == "" {
		return
	}
	job.line.Translated = tr
	p.pushEvent(ctx, subtitle.Event{Kind: subtitle.KindPatch, Line: job.line})
	if p.archive != nil {
		if err := p.archive.SaveTranslation(ctx, job.lineID, tr); err != nil {
			p.log.Warn("translation archival failed", "line_id", job.lineID, "error", err)
		}
	}
}

// translateText runs one bounded translation call with metrics.
func (p *Pipeline) translateText(ctx context.Context, text string) (string, error) {
	sctx, span := observe.StartSpan(ctx, "translate")
	defer span.End()

	tctx, cancel := context.WithTimeout(sctx, p.cfg.TranslateTimeout)
	defer cancel()

	src, tgt := p.languages()
	start := time.Now()
	tr, err := p.translator.Translate(tctx, translate.Request{
		Text:       text,
		SourceLang: src,
		TargetLang: tgt,
	})
	p.metrics.TranslateDuration.Record(sctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(sctx, p.cfg.TranslateName, "translate")
		p.log.Warn("translation failed, line stays source-only", "error", err)
		return "", err
	}
	return tr, nil
}
