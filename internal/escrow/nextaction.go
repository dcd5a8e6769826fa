package escrow

// The transition tables below map (current action, observed on-chain state)
// to the next action. Undefined pairs fail closed: the request is parked in
// WaitingForManualAction with ErrorUnknown rather than silently dropped.

type paymentEdge struct {
	current  PaymentAction
	observed OnChainState
}

var paymentTransitions = map[paymentEdge]PaymentAction{
	// Waiting on the buyer or on time windows.
	{PaymentWaitingForExternalAction, StateFundsLocked}:       PaymentWaitingForExternalAction,
	{PaymentWaitingForExternalAction, StateResultSubmitted}:   PaymentWaitingForExternalAction,
	{PaymentWaitingForExternalAction, StateRefundRequested}:   PaymentWaitingForExternalAction,
	{PaymentWaitingForExternalAction, StateDisputed}:          PaymentWaitingForExternalAction,
	{PaymentWaitingForExternalAction, StateWithdrawn}:         PaymentNone,
	{PaymentWaitingForExternalAction, StateRefundWithdrawn}:   PaymentNone,
	{PaymentWaitingForExternalAction, StateDisputedWithdrawn}: PaymentNone,

	// Our own submissions confirming.
	{PaymentSubmitResultRequested, StateResultSubmitted}:    PaymentWaitingForExternalAction,
	{PaymentSubmitResultInitiated, StateResultSubmitted}:    PaymentWaitingForExternalAction,
	{PaymentWithdrawRequested, StateWithdrawn}:              PaymentNone,
	{PaymentWithdrawInitiated, StateWithdrawn}:              PaymentNone,
	{PaymentAuthorizeRefundRequested, StateDisputed}:        PaymentWaitingForExternalAction,
	{PaymentAuthorizeRefundInitiated, StateDisputed}:        PaymentWaitingForExternalAction,
	{PaymentAuthorizeRefundRequested, StateRefundWithdrawn}: PaymentNone,
	{PaymentAuthorizeRefundInitiated, StateRefundWithdrawn}: PaymentNone,

	// The buyer can act while our submission is pending.
	{PaymentSubmitResultInitiated, StateRefundRequested}: PaymentWaitingForExternalAction,
	{PaymentSubmitResultRequested, StateRefundRequested}: PaymentWaitingForExternalAction,

	// Settled requests observing their own settlement again are a no-op.
	{PaymentNone, StateWithdrawn}:         PaymentNone,
	{PaymentNone, StateRefundWithdrawn}:   PaymentNone,
	{PaymentNone, StateDisputedWithdrawn}: PaymentNone,
}

// NextPaymentAction maps an observed on-chain state onto the seller-side
// action. It is pure: callers persist the result.
func NextPaymentAction(current PaymentAction, observed OnChainState) NextAction[PaymentAction] {
	if observed == StateFundsOrDatumInvalid {
		return NextAction[PaymentAction]{
			Action:    PaymentWaitingForManualAction,
			ErrorKind: ErrorSpoofedTransaction,
			Note:      "observed funds or datum that failed validation",
		}
	}
	if current == PaymentIgnore {
		return NextAction[PaymentAction]{Action: PaymentIgnore}
	}
	if next, ok := paymentTransitions[paymentEdge{current, observed}]; ok {
		return NextAction[PaymentAction]{Action: next}
	}
	return NextAction[PaymentAction]{
		Action:    PaymentWaitingForManualAction,
		ErrorKind: ErrorUnknown,
		Note:      "no transition from " + string(current) + " on observed state " + string(observed),
	}
}

type purchaseEdge struct {
	current  PurchaseAction
	observed OnChainState
}

var purchaseTransitions = map[purchaseEdge]PurchaseAction{
	// Funds arriving on chain.
	{PurchaseFundsLockingRequested, StateFundsLocked}: PurchaseWaitingForExternalAction,
	{PurchaseFundsLockingInitiated, StateFundsLocked}: PurchaseWaitingForExternalAction,

	// Waiting on the seller or on time windows.
	{PurchaseWaitingForExternalAction, StateFundsLocked}:       PurchaseWaitingForExternalAction,
	{PurchaseWaitingForExternalAction, StateResultSubmitted}:   PurchaseWaitingForExternalAction,
	{PurchaseWaitingForExternalAction, StateRefundRequested}:   PurchaseWaitingForExternalAction,
	{PurchaseWaitingForExternalAction, StateDisputed}:          PurchaseWaitingForExternalAction,
	{PurchaseWaitingForExternalAction, StateWithdrawn}:         PurchaseNone,
	{PurchaseWaitingForExternalAction, StateRefundWithdrawn}:   PurchaseNone,
	{PurchaseWaitingForExternalAction, StateDisputedWithdrawn}: PurchaseNone,

	// Our own submissions confirming.
	{PurchaseRequestRefundRequested, StateRefundRequested}:   PurchaseWaitingForExternalAction,
	{PurchaseRequestRefundInitiated, StateRefundRequested}:   PurchaseWaitingForExternalAction,
	{PurchaseCancelRefundRequested, StateFundsLocked}:        PurchaseWaitingForExternalAction,
	{PurchaseCancelRefundInitiated, StateFundsLocked}:        PurchaseWaitingForExternalAction,
	{PurchaseCollectRefundRequested, StateRefundWithdrawn}:   PurchaseNone,
	{PurchaseCollectRefundInitiated, StateRefundWithdrawn}:   PurchaseNone,
	{PurchaseCollectRefundRequested, StateDisputedWithdrawn}: PurchaseNone,
	{PurchaseCollectRefundInitiated, StateDisputedWithdrawn}: PurchaseNone,

	// The seller can act while our refund request is pending.
	{PurchaseRequestRefundInitiated, StateDisputed}:        PurchaseWaitingForExternalAction,
	{PurchaseRequestRefundInitiated, StateResultSubmitted}: PurchaseWaitingForExternalAction,

	// Settled requests observing their own settlement again are a no-op.
	{PurchaseNone, StateWithdrawn}:         PurchaseNone,
	{PurchaseNone, StateRefundWithdrawn}:   PurchaseNone,
	{PurchaseNone, StateDisputedWithdrawn}: PurchaseNone,
}

// NextPurchaseAction maps an observed on-chain state onto the buyer-side
// action.
func NextPurchaseAction(current PurchaseAction, observed OnChainState) NextAction[PurchaseAction] {
	if observed == StateFundsOrDatumInvalid {
		return NextAction[PurchaseAction]{
			Action:    PurchaseWaitingForManualAction,
			ErrorKind: ErrorSpoofedTransaction,
			Note:      "observed funds or datum that failed validation",
		}
	}
	if current == PurchaseIgnore {
		return NextAction[PurchaseAction]{Action: PurchaseIgnore}
	}
	if next, ok := purchaseTransitions[purchaseEdge{current, observed}]; ok {
		return NextAction[PurchaseAction]{Action: next}
	}
	return NextAction[PurchaseAction]{
		Action:    PurchaseWaitingForManualAction,
		ErrorKind: ErrorUnknown,
		Note:      "no transition from " + string(current) + " on observed state " + string(observed),
	}
}
