package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomstudio/loom/internal/config/store"
	"github.com/loomstudio/loom/internal/eventbus"
)

// SwapState tracks a swap transaction through its phases.
type SwapState string

const (
	SwapValidating SwapState = "validating"
	SwapLoading    SwapState = "loading"
	SwapCommitting SwapState = "committing"
	SwapVerifying  SwapState = "verifying"
	SwapCommitted  SwapState = "committed"
	SwapRolledBack SwapState = "rolled_back"
)

// SwapResult is the terminal outcome of a swap transaction.
type SwapResult struct {
	TransactionID string    `json:"transaction_id"`
	Slot          string    `json:"slot"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	State         SwapState `json:"state"`
	Reason        string    `json:"reason,omitempty"`
}

// RolledBackError reports a swap that failed and restored the previous
// binding.
type RolledBackError struct {
	Slot   string
	Plugin string
	Reason error
}

func (e *RolledBackError) Error() string {
	return fmt.Sprintf("swap of slot %s to %s rolled back: %v", e.Slot, e.Plugin, e.Reason)
}

func (e *RolledBackError) Unwrap() error { return e.Reason }

// Swap atomically replaces the plugin bound to a slot. The previous plugin
// stays loaded until the replacement verifies, so rollback is a rebind, not
// a reload. Exactly one swap may run per slot; a second caller gets
// ErrSwapInProgress immediately instead of queueing.
func (m *Manager) Swap(ctx context.Context, slotName, pluginID string) (*SwapResult, error) {
	lock := m.slotLock(slotName)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w %s", ErrSwapInProgress, slotName)
	}
	defer lock.Unlock()

	result := &SwapResult{
		TransactionID: uuid.NewString(),
		Slot:          slotName,
		To:            pluginID,
		State:         SwapValidating,
	}

	// Validating: slot exists, candidate exists, contracts line up.
	slot, err := m.store.GetSlot(ctx, slotName)
	if err != nil {
		return nil, err
	}
	result.From = slot.PluginID

	candidate, err := m.registry.Get(pluginID)
	if err != nil {
		return nil, err
	}
	if candidate.Manifest.Contract != slot.Contract {
		return nil, fmt.Errorf("%w: slot %s requires %q, plugin %s provides %q",
			ErrSlotContract, slotName, slot.Contract, pluginID, candidate.Manifest.Contract)
	}
	if pluginID == slot.PluginID {
		return nil, fmt.Errorf("lifecycle: plugin %s is already bound to slot %s", pluginID, slotName)
	}
	if err := m.registry.ResolveDependencies(pluginID); err != nil {
		return nil, &LoadError{Plugin: pluginID, Err: err}
	}

	// Loading: bring the candidate up alongside the incumbent.
	result.State = SwapLoading
	if err := m.Load(ctx, pluginID); err != nil {
		return m.finishSwap(ctx, result, SwapRolledBack, err)
	}

	// Committing: point the slot at the candidate.
	result.State = SwapCommitting
	if err := m.store.BindSlot(ctx, slotName, pluginID); err != nil {
		m.unloadQuietly(ctx, pluginID)
		return m.finishSwap(ctx, result, SwapRolledBack, err)
	}

	// Verifying: the candidate must answer a ping before the incumbent goes.
	result.State = SwapVerifying
	if err := m.verify(ctx, pluginID); err != nil {
		if rbErr := m.rollback(ctx, result, slot); rbErr != nil {
			// A failed rollback leaves the slot in an unknown state; flag it
			// for the operator rather than guessing.
			detail := fmt.Sprintf("verify failed (%v), rollback failed (%v)", err, rbErr)
			if merr := m.store.MarkSlotError(ctx, slotName, detail); merr != nil {
				m.logger.Printf("[Lifecycle] mark slot %s errored: %v", slotName, merr)
			}
			return m.finishSwap(ctx, result, SwapRolledBack, fmt.Errorf("%v; rollback: %w", err, rbErr))
		}
		return m.finishSwap(ctx, result, SwapRolledBack, err)
	}

	// Committed: the incumbent is no longer reachable through the slot.
	if slot.PluginID != "" && slot.PluginID != pluginID {
		m.unloadQuietly(ctx, slot.PluginID)
	}
	return m.finishSwap(ctx, result, SwapCommitted, nil)
}

// rollback restores the previous slot binding and drops the candidate.
func (m *Manager) rollback(ctx context.Context, result *SwapResult, previous store.Slot) error {
	if previous.PluginID == "" {
		if err := m.store.ClearSlot(ctx, result.Slot); err != nil {
			return err
		}
	} else if err := m.store.BindSlot(ctx, result.Slot, previous.PluginID); err != nil {
		return err
	}
	m.unloadQuietly(ctx, result.To)
	return nil
}

// unloadQuietly unloads a plugin logging failures instead of propagating
// them; callers are already on a commit or rollback path.
func (m *Manager) unloadQuietly(ctx context.Context, id string) {
	if err := m.Unload(ctx, id); err != nil {
		m.logger.Printf("[Lifecycle] unload %s: %v", id, err)
	}
}

func (m *Manager) finishSwap(ctx context.Context, result *SwapResult, state SwapState, cause error) (*SwapResult, error) {
	result.State = state
	if cause != nil {
		result.Reason = cause.Error()
	}

	outcome := store.SwapOutcomeCommitted
	if state == SwapRolledBack {
		outcome = store.SwapOutcomeRolledBack
	}
	if err := m.store.RecordSwap(ctx, store.SwapRecord{
		ID:         result.TransactionID,
		Slot:       result.Slot,
		FromPlugin: result.From,
		ToPlugin:   result.To,
		Outcome:    outcome,
		Detail:     result.Reason,
	}); err != nil {
		m.logger.Printf("[Lifecycle] record swap %s: %v", result.TransactionID, err)
	}

	eventbus.Publish(context.Background(), m.bus, eventbus.SwapResult, eventbus.SourceLifecycle, eventbus.SwapResultEvent{
		TransactionID: result.TransactionID,
		Slot:          result.Slot,
		From:          result.From,
		To:            result.To,
		State:         string(state),
		Error:         result.Reason,
	})

	if state == SwapCommitted {
		m.logger.Printf("[Lifecycle] slot %s now bound to %s (tx %s)", result.Slot, result.To, result.TransactionID)
		return result, nil
	}
	m.logger.Printf("[Lifecycle] swap of slot %s to %s rolled back: %s", result.Slot, result.To, result.Reason)
	return result, &RolledBackError{Slot: result.Slot, Plugin: result.To, Reason: cause}
}
