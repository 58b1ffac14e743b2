package providers

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	NoCapabilities
	name string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	return &PaymentIntent{}, nil
}

func (s *stubProvider) VerifyWebhook(body []byte, signature string) bool { return true }

func (s *stubProvider) ParseEvent(payload []byte) (*Outcome, error) { return &Outcome{}, nil }

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(&stubProvider{name: YooKassa}, &stubProvider{name: Stripe})

	if _, ok := reg.Get(YooKassa); !ok {
		t.Fatal("expected yookassa to be registered")
	}
	if _, ok := reg.Get(TelegramStars); ok {
		t.Fatal("expected telegram_stars to be absent")
	}
	if got := len(reg.Names()); got != 2 {
		t.Fatalf("expected 2 names, got %d", got)
	}
}

func TestNoCapabilitiesReturnsTypedUnsupported(t *testing.T) {
	stub := &stubProvider{NoCapabilities: NoCapabilities{ProviderName: TelegramStars}, name: TelegramStars}

	_, err := stub.ChargeSavedMethod(context.Background(), "m_1", PaymentRequest{})
	var unsupported *Unsupported
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected *Unsupported, got %v", err)
	}
	if unsupported.Provider != TelegramStars {
		t.Fatalf("expected telegram_stars, got %s", unsupported.Provider)
	}

	if _, err := stub.Refund(context.Background(), "x", nil, ""); !errors.As(err, &unsupported) {
		t.Fatalf("expected *Unsupported from refund, got %v", err)
	}
	if stub.CancelRecurrence(context.Background(), "x") {
		t.Fatal("expected cancel recurrence to default to false")
	}
}

func TestOutcomeMetadataHelpers(t *testing.T) {
	outcome := &Outcome{
		Status:   StatusSucceeded,
		Metadata: map[string]string{MetaUserID: "42", MetaTariffSlug: "starter_pack"},
	}

	id, ok := outcome.UserID()
	if !ok || id != 42 {
		t.Fatalf("expected user id 42, got %d (%v)", id, ok)
	}
	if outcome.TariffSlug() != "starter_pack" {
		t.Fatalf("expected starter_pack, got %s", outcome.TariffSlug())
	}
	if !outcome.IsSuccess() {
		t.Fatal("expected success")
	}

	broken := &Outcome{Metadata: map[string]string{MetaUserID: "abc"}}
	if _, ok := broken.UserID(); ok {
		t.Fatal("expected unparseable user id to fail")
	}
}
