package types

import "errors"

type PaymentStatus int32

const (
	PaymentStatusUnspecified PaymentStatus = 0
	PaymentStatusPending     PaymentStatus = 1
	PaymentStatusAuthorized  PaymentStatus = 2
	PaymentStatusCaptured    PaymentStatus = 3
	PaymentStatusRefunded    PaymentStatus = 4
	PaymentStatusDisputed    PaymentStatus = 5
	PaymentStatusFailed      PaymentStatus = 6
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentStatusPending:
		return "pending"
	case PaymentStatusAuthorized:
		return "authorized"
	case PaymentStatusCaptured:
		return "captured"
	case PaymentStatusRefunded:
		return "refunded"
	case PaymentStatusDisputed:
		return "disputed"
	case PaymentStatusFailed:
		return "failed"
	case PaymentStatusUnspecified:
		return "unspecified"
	default:
		return "unspecified"
	}
}

func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	switch raw {
	case "pending", "1":
		return PaymentStatusPending, nil
	case "authorized", "2":
		return PaymentStatusAuthorized, nil
	case "captured", "3":
		return PaymentStatusCaptured, nil
	case "refunded", "4":
		return PaymentStatusRefunded, nil
	case "disputed", "5":
		return PaymentStatusDisputed, nil
	case "failed", "6":
		return PaymentStatusFailed, nil
	default:
		return PaymentStatusUnspecified, errors.New("invalid payment status")
	}
}

// TerminalStatus reports whether a payment in this status will never
// move again except through an inbound dispute notification.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusRefunded, PaymentStatusDisputed, PaymentStatusFailed:
		return true
	case PaymentStatusUnspecified, PaymentStatusPending, PaymentStatusAuthorized, PaymentStatusCaptured:
		return false
	default:
		return false
	}
}

type PaymentType int32

const (
	PaymentTypeUnspecified     PaymentType = 0
	PaymentTypeApplicationFee  PaymentType = 1
	PaymentTypeSecurityDeposit PaymentType = 2
	PaymentTypeRent            PaymentType = 3
	PaymentTypeLateFee         PaymentType = 4
)

func (t PaymentType) String() string {
	switch t {
	case PaymentTypeApplicationFee:
		return "application_fee"
	case PaymentTypeSecurityDeposit:
		return "security_deposit"
	case PaymentTypeRent:
		return "rent"
	case PaymentTypeLateFee:
		return "late_fee"
	case PaymentTypeUnspecified:
		return "unspecified"
	default:
		return "unspecified"
	}
}

func ParsePaymentType(raw string) (PaymentType, error) {
	switch raw {
	case "application_fee", "1":
		return PaymentTypeApplicationFee, nil
	case "security_deposit", "2":
		return PaymentTypeSecurityDeposit, nil
	case "rent", "3":
		return PaymentTypeRent, nil
	case "late_fee", "4":
		return PaymentTypeLateFee, nil
	default:
		return PaymentTypeUnspecified, errors.New("invalid payment type")
	}
}

type GatewayType int32

const (
	GatewayTypeUnspecified GatewayType = 0
	GatewayTypeStripe      GatewayType = 1
)

func (g GatewayType) String() string {
	switch g {
	case GatewayTypeStripe:
		return "stripe"
	case GatewayTypeUnspecified:
		return "unspecified"
	default:
		return "unspecified"
	}
}

func ParseGatewayType(raw string) (GatewayType, error) {
	switch raw {
	case "stripe", "1":
		return GatewayTypeStripe, nil
	default:
		return GatewayTypeUnspecified, errors.New("invalid gateway")
	}
}
