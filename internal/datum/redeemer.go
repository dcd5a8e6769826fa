package datum

import "fmt"

// Redeemer is the contract action attached to a spending transaction. The
// seven variants are an explicit enum so a new contract action fails decoding
// loudly instead of falling through a numeric switch.
type Redeemer int

const (
	RedeemWithdraw            Redeemer = 0
	RedeemRequestRefund       Redeemer = 1
	RedeemCancelRefundRequest Redeemer = 2
	RedeemWithdrawRefund      Redeemer = 3
	RedeemWithdrawDisputed    Redeemer = 4
	RedeemSubmitResult        Redeemer = 5
	RedeemAllowRefund         Redeemer = 6
)

// RedeemerFromTag maps a witness constructor tag to its variant.
func RedeemerFromTag(tag int) (Redeemer, error) {
	if tag < 0 || tag > 6 {
		return 0, fmt.Errorf("datum: unknown redeemer tag %d", tag)
	}
	return Redeemer(tag), nil
}

func (r Redeemer) String() string {
	switch r {
	case RedeemWithdraw:
		return "Withdraw"
	case RedeemRequestRefund:
		return "RequestRefund"
	case RedeemCancelRefundRequest:
		return "CancelRefundRequest"
	case RedeemWithdrawRefund:
		return "WithdrawRefund"
	case RedeemWithdrawDisputed:
		return "WithdrawDisputed"
	case RedeemSubmitResult:
		return "SubmitResult"
	case RedeemAllowRefund:
		return "AllowRefund"
	}
	return fmt.Sprintf("Redeemer(%d)", int(r))
}

// Encode serializes the redeemer as a bare constructor.
func (r Redeemer) Encode() Data {
	return constr(int(r))
}

// DecodeRedeemer parses a Plutus data value into a Redeemer.
func DecodeRedeemer(data Data) (Redeemer, error) {
	if data.Constructor == nil {
		return 0, fmt.Errorf("datum: redeemer must be a constructor")
	}
	return RedeemerFromTag(*data.Constructor)
}
