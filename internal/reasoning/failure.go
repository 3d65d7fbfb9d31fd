package reasoning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/safety"
)

func isCapabilityErr(err error) bool {
	return errors.Is(err, provider.ErrCapabilityUnavailable) || errors.Is(err, provider.ErrCapabilityBusy)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, safety.ErrSafetyDenied):
		return ReasonSafetyDenied
	case errors.Is(err, provider.ErrCapabilityUnavailable):
		return ReasonCapabilityUnavailable
	case errors.Is(err, provider.ErrCapabilityBusy):
		return ReasonCapabilityBusy
	case errors.Is(err, ErrPlanGenerationFailed):
		return ReasonPlanFailed
	case errors.Is(err, ErrRetryExhausted):
		return ReasonRetryExhausted
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrApprovalDeclined):
		return ReasonApprovalDeclined
	case errors.Is(err, ErrApprovalExpired):
		return ReasonApprovalExpired
	case errors.Is(err, errSaveFailed):
		return ReasonMemoryWriteFailed
	}
	return ReasonActionFailed
}

// failureReply is the single sentence a Failed session says to the user.
func failureReply(reason string, err error, step string) string {
	if step == "" {
		step = "that"
	}
	switch reason {
	case ReasonSafetyDenied:
		_, detail, _ := strings.Cut(err.Error(), safety.ErrSafetyDenied.Error()+": ")
		if detail == "" {
			return fmt.Sprintf("I can't %s because a safety rule blocks it.", step)
		}
		return fmt.Sprintf("I can't %s because a safety rule blocks it: %s.", step, detail)
	case ReasonCapabilityUnavailable:
		var capErr *provider.CapabilityError
		if errors.As(err, &capErr) {
			if capErr.Mode == string(config.ModeOfflineOnly) {
				return fmt.Sprintf("I can't do that right now because no offline %s backend is reachable and offline-only mode rules out cloud providers.", capErr.Capability)
			}
			return fmt.Sprintf("I can't do that right now because no %s backend is reachable.", capErr.Capability)
		}
		return "I can't do that right now because a required backend is unavailable."
	case ReasonCapabilityBusy:
		return "I'm too busy to take that on right now, please try again in a moment."
	case ReasonPlanFailed:
		return "I couldn't work out a plan for that request."
	case ReasonRetryExhausted:
		return "I couldn't produce an answer I was confident in, so I stopped."
	case ReasonCancelled:
		return "Okay, I stopped working on that."
	case ReasonApprovalDeclined:
		return fmt.Sprintf("Okay, I won't %s.", step)
	case ReasonApprovalExpired:
		return fmt.Sprintf("I stopped because nobody approved the request to %s.", step)
	case ReasonMemoryWriteFailed:
		return "I couldn't save that to memory."
	}
	return fmt.Sprintf("I couldn't finish because the step to %s failed.", step)
}
