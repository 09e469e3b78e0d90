package core

// Execution receipt issuance (spec §4.4): on completion, with a proposal id
// and federation scope present in the context, the VM signs an
// ExecutionReceipt VC and anchors it to the caller's DAG. Failure is logged
// at warn and dropped, never propagated as a VM error (spec §7).

import (
	"time"

	"github.com/icn-federation/icn-core/pkg/utils"
)

// ReceiptOutcome mirrors the VM's terminal state at the coarseness the
// receipt credential exposes to external verifiers.
type ReceiptOutcome string

const (
	OutcomeSuccess ReceiptOutcome = "Success"
	OutcomeFailure ReceiptOutcome = "Failure"
	OutcomeError   ReceiptOutcome = "Error"
)

// ExecutionReceiptClaim is the credentialSubject body of an
// ExecutionReceipt VC.
type ExecutionReceiptClaim struct {
	ProposalID      string                 `json:"proposal_id"`
	Outcome         ReceiptOutcome         `json:"outcome"`
	Consumption     map[ResourceKind]uint64 `json:"consumption"`
	LastAnchorCID   CID                    `json:"last_anchor_cid,omitempty"`
	FederationScope Scope                  `json:"federation_scope"`
}

func receiptOutcome(state VMState, success bool) ReceiptOutcome {
	switch state {
	case StateCompleted:
		if success {
			return OutcomeSuccess
		}
		return OutcomeFailure
	default:
		return OutcomeError
	}
}

// issueReceiptBestEffort builds, signs, and anchors an ExecutionReceipt VC
// for result under ctx. It is a no-op when ctx carries no proposal id or
// federation scope (spec §4.4), and it never returns an error to its
// caller: every failure is logged at warn and swallowed (spec §7).
func (vm *VM) issueReceiptBestEffort(ctx *ExecutionContext, result ExecutionResult) {
	if ctx == nil || ctx.ProposalID == "" || ctx.FederationScope == nil || vm.idSvc == nil {
		return
	}
	claim := ExecutionReceiptClaim{
		ProposalID:      ctx.ProposalID,
		Outcome:         receiptOutcome(result.State, result.Success),
		Consumption:     result.Consumption,
		LastAnchorCID:   result.LastAnchorCID,
		FederationScope: *ctx.FederationScope,
	}
	vc := VC{
		ID:                "urn:icn:receipt:" + uuid7Like(),
		Type:              []string{"VerifiableCredential", "ExecutionReceipt"},
		IssuanceDate:      time.Now().UTC(),
		CredentialSubject: claim,
	}
	signed, err := vm.idSvc.SignCredential(vc, ctx.Caller)
	if err != nil {
		vm.log.WithError(utils.Wrap(err, "sign execution receipt")).Warn("execution receipt: sign failed, dropping")
		return
	}
	if vm.dag == nil {
		return
	}
	node := Node{
		Issuer:   ctx.Caller,
		Parents:  vm.dag.GetTips(ctx.Caller),
		Body:     signed,
		Metadata: NodeMetadata{Timestamp: time.Now().UTC()},
	}
	signedNode, err := node.Sign(vm.idSvc)
	if err != nil {
		vm.log.WithError(utils.Wrap(err, "sign execution receipt node")).Warn("execution receipt: node sign failed, dropping")
		return
	}
	if _, err := vm.dag.StoreNode(ctx.Caller, signedNode); err != nil {
		vm.log.WithError(utils.Wrap(err, "anchor execution receipt")).Warn("execution receipt: anchor failed, dropping")
	}
}
