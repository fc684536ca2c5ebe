package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		maxSize int
		wantErr error
	}{
		{"empty", nil, 10, ErrMessageEmpty},
		{"within limit", []byte("hello"), 10, nil},
		{"at limit", make([]byte, 10), 10, nil},
		{"over limit", make([]byte, 11), 10, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.maxSize)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDatagram(t *testing.T) {
	if err := ValidateDatagram(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}
	if err := ValidateDatagram(make([]byte, MaxDatagramSize)); err != nil {
		t.Errorf("max-size datagram rejected: %v", err)
	}
	err := ValidateDatagram(make([]byte, MaxDatagramSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "16385") {
		t.Errorf("error should mention actual size: %v", err)
	}
}

func TestValidateProviderURL(t *testing.T) {
	if err := ValidateProviderURL(""); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}
	if err := ValidateProviderURL("http://10.0.0.1:5000"); err != nil {
		t.Errorf("valid url rejected: %v", err)
	}
	long := "http://" + strings.Repeat("a", MaxProviderURL)
	if err := ValidateProviderURL(long); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestValidateUpload(t *testing.T) {
	if err := ValidateUpload([]byte("abc"), 0); err != nil {
		t.Errorf("default limit should accept small payload: %v", err)
	}
	if err := ValidateUpload([]byte("abcd"), 3); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	if err := ValidateUpload(nil, 3); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}
}
