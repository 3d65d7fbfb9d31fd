package core

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/command"
	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/reasoning"
)

// startIntake consumes user input and device changes from the bus. Each
// input is handled on its own goroutine so a slow transcription never holds
// up the next utterance.
func (m *Manager) startIntake() {
	m.intake = m.bus.Subscribe("core.intake",
		event.Kinds(event.KindTextInput, event.KindVoiceInput, event.KindDeviceChange))
	m.intakeWG.Add(1)
	go func() {
		defer m.intakeWG.Done()
		for e := range m.intake.Events(m.ctx) {
			if e.Kind == event.KindDeviceChange {
				m.handleDevice(e.Payload.(event.DeviceChange))
				continue
			}
			m.intakeWG.Add(1)
			go func() {
				defer m.intakeWG.Done()
				m.HandleInput(m.ctx, e)
			}()
		}
	}()
}

// HandleInput routes one input event: commands go to the command registry,
// everything else through the intent router into a reasoning session.
// Audience chat is held as a suggestion unless the chat gate lets it through.
func (m *Manager) HandleInput(ctx context.Context, e event.Event) {
	p, isText := e.Payload.(event.TextInput)
	if isText && command.IsCommand(p.Text) {
		m.runCommand(ctx, e, p)
		return
	}

	in, err := m.router.Route(ctx, e)
	if err != nil {
		m.logger.Warn("input not routed",
			zap.String("correlation_id", e.CorrelationID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
		m.reply(e.CorrelationID, sessionOf(e), routeFailure(err))
		return
	}
	if in == nil {
		return
	}
	if isText && !m.chat.Admit(p.Source, p.User, *in) {
		m.router.EndChain(in.CorrelationID)
		m.holdSuggestion(ctx, *in, p)
		return
	}
	m.submit(*in)
}

func (m *Manager) submit(in intent.Intent) {
	if _, err := m.loop.Submit(in); err != nil {
		m.logger.Warn("session not started",
			zap.String("correlation_id", in.CorrelationID),
			zap.Error(err))
		m.reply(in.CorrelationID, in.SessionID, submitFailure(err))
	}
}

// holdSuggestion announces held chat and, for plain conversation, drafts an
// answer the operator can release with /respond. Nothing is spoken.
func (m *Manager) holdSuggestion(ctx context.Context, in intent.Intent, p event.TextInput) {
	s := event.Suggestion{Text: in.Text, User: p.User, Source: p.Source, SessionID: in.SessionID}
	m.publish(event.KindSuggestion, in.CorrelationID, s)
	m.logger.Info("chat held for the operator",
		zap.String("correlation_id", in.CorrelationID),
		zap.String("source", p.Source),
		zap.String("kind", string(in.Kind)))
	if !m.cfg.Chat.DraftSuggestions || in.Kind != intent.Converse {
		return
	}
	draft, err := m.loop.Draft(ctx, in)
	if err != nil {
		m.logger.Warn("suggestion not drafted", zap.String("correlation_id", in.CorrelationID), zap.Error(err))
		return
	}
	if m.chat.SetDraft(in.ID, draft) {
		s.Draft = draft
		m.publish(event.KindSuggestion, in.CorrelationID, s)
	}
}

func (m *Manager) runCommand(ctx context.Context, e event.Event, p event.TextInput) {
	res, err := m.commands.Dispatch(ctx, p.Text, &command.CommandContext{
		Source:        p.Source,
		SessionID:     p.SessionID,
		CorrelationID: e.CorrelationID,
		User:          p.User,
		Role:          m.roleOf(p),
	})
	text := ""
	switch {
	case err != nil:
		text = fmt.Sprintf("Command failed: %v", err)
	case res != nil && res.Intent != nil:
		// the reasoning loop gates, performs and answers the change
		m.submit(m.commandIntent(e, *res.Intent))
		return
	case res != nil:
		text = res.Content
	}
	m.reply(e.CorrelationID, sessionOf(e), text)
}

// roleOf trusts the role a chat bridge reports; everything else is the
// operator at the console.
func (m *Manager) roleOf(p event.TextInput) command.Role {
	if m.chat.Gated(p.Source) {
		return command.ParseRole(p.Role)
	}
	return command.RoleBroadcaster
}

func (m *Manager) commandIntent(e event.Event, in intent.Intent) intent.Intent {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.CorrelationID = e.CorrelationID
	if in.SessionID == "" {
		in.SessionID = sessionOf(e)
	}
	if in.SessionID == "" {
		in.SessionID = intent.DefaultSession
	}
	in.SourceEventIDs = append(slices.Clone(in.SourceEventIDs), e.ID)
	if in.RoutingHint.Topic == "" {
		in.RoutingHint.Topic = m.router.ActiveTopic(in.SessionID)
	}
	return in
}

func (m *Manager) reply(cid, session, text string) {
	if session == "" {
		session = intent.DefaultSession
	}
	m.publish(event.KindReply, cid, event.Reply{Text: text, SessionID: session, Final: true})
}

func sessionOf(e event.Event) string {
	switch p := e.Payload.(type) {
	case event.TextInput:
		return p.SessionID
	case event.VoiceInput:
		return p.SessionID
	}
	return ""
}

func routeFailure(err error) string {
	if errors.Is(err, provider.ErrCapabilityUnavailable) {
		return "I couldn't hear that because no speech-to-text backend is reachable."
	}
	if errors.Is(err, provider.ErrCapabilityBusy) {
		return "I'm too busy to listen right now, please try again in a moment."
	}
	return "I couldn't make out that request."
}

func submitFailure(err error) string {
	if errors.Is(err, reasoning.ErrLoopClosed) {
		return "I'm shutting down and can't take new requests."
	}
	return "I'm too busy to take that on right now, please try again in a moment."
}

// handleDevice tracks optional hardware. A camera maps to the vision
// subsystem and a worker node to the workers subsystem.
func (m *Manager) handleDevice(d event.DeviceChange) {
	component := d.Class
	switch d.Class {
	case "camera":
		component = ComponentVision
	case "worker":
		component = ComponentWorkers
	}
	if component == "" {
		return
	}
	if d.Connected {
		m.SetUp(component)
		return
	}
	reason := fmt.Sprintf("Device %s (%s) disconnected.", d.Device, d.Class)
	if d.Detail != "" {
		reason = fmt.Sprintf("Device %s (%s) disconnected: %s.", d.Device, d.Class, d.Detail)
	}
	m.SetDown(component, reason)
}
