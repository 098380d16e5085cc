package orders

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from    Status
		trigger Trigger
		want    Status
		ok      bool
	}{
		{StatusCart, TriggerCreate, StatusPendingPayment, true},
		{StatusPendingPayment, TriggerInitiatePayment, StatusPaymentProcessing, true},
		{StatusPendingPayment, TriggerPaymentSucceeded, StatusPaid, true},
		{StatusPaymentProcessing, TriggerPaymentSucceeded, StatusPaid, true},
		{StatusPaymentProcessing, TriggerPaymentFailed, StatusCancelled, true},
		{StatusPaid, TriggerAdminAdvance, StatusProcessing, true},
		{StatusShipped, TriggerAdminAdvance, StatusDelivered, true},
		{StatusDelivered, TriggerRefund, StatusRefunded, true},

		{StatusPaid, TriggerPaymentFailed, "", false},
		{StatusPaymentProcessing, TriggerInitiatePayment, "", false},
		{StatusCancelled, TriggerPaymentSucceeded, "", false},
		{StatusRefunded, TriggerRefund, "", false},
		{StatusPendingPayment, TriggerRefund, "", false},
		{StatusDelivered, TriggerAdminAdvance, "", false},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.trigger)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("%s --%s--> got %q, %v; want %q", tc.from, tc.trigger, got, err, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s --%s--> want ErrInvalidTransition, got %q, %v", tc.from, tc.trigger, got, err)
		}
	}
}

func TestAdvanceTo(t *testing.T) {
	if err := AdvanceTo(StatusPaid, StatusProcessing); err != nil {
		t.Fatalf("paid -> processing: %v", err)
	}
	for _, tc := range [][2]Status{
		{StatusPaid, StatusShipped},
		{StatusProcessing, StatusPaid},
		{StatusPendingPayment, StatusPaid},
		{StatusDelivered, StatusRefunded},
	} {
		if err := AdvanceTo(tc[0], tc[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: want ErrInvalidTransition, got %v", tc[0], tc[1], err)
		}
	}
}

func TestAtLeastPaid(t *testing.T) {
	for s := range transitions {
		want := s == StatusPaid || s == StatusProcessing || s == StatusShipped ||
			s == StatusDelivered || s == StatusRefunded
		if s.AtLeastPaid() != want {
			t.Errorf("%s.AtLeastPaid() = %v", s, !want)
		}
	}
	if Status("bogus").Valid() {
		t.Error("unknown status reported valid")
	}
}
