package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestCreateUserNormalizesEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)

	mock.ExpectExec("INSERT INTO engine_users").
		WillReturnResult(sqlmock.NewResult(1, 1))

	u := &User{Email: "  Jane.Doe@Example.COM ", Name: "Jane"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if u.Email != "jane.doe@example.com" {
		t.Errorf("CreateUser() email = %q, want jane.doe@example.com", u.Email)
	}
	if u.MaxDailyEmails != 50 {
		t.Errorf("CreateUser() max daily = %d, want 50", u.MaxDailyEmails)
	}
	if u.ID == uuid.Nil {
		t.Error("CreateUser() did not assign an id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestUpdateCredentialPreservesRefreshToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)
	userID := uuid.New()
	expiry := time.Now().Add(time.Hour)

	// Empty refresh token keeps the stored one.
	mock.ExpectExec("UPDATE engine_users SET").
		WithArgs(userID, "new-access", "", expiry).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.UpdateCredential(context.Background(), userID, Credential{
		AccessToken: "new-access",
		Expiry:      &expiry,
	})
	if err != nil {
		t.Fatalf("UpdateCredential() error = %v", err)
	}

	mock.ExpectExec("UPDATE engine_users SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.UpdateCredential(context.Background(), uuid.New(), Credential{AccessToken: "x"})
	if err != ErrNotFound {
		t.Errorf("UpdateCredential() unknown user error = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestReserveDailySend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	s := NewStore(db)
	userID := uuid.New()

	t.Run("under quota", func(t *testing.T) {
		mock.ExpectExec("UPDATE engine_users SET").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := s.ReserveDailySend(context.Background(), userID); err != nil {
			t.Errorf("ReserveDailySend() error = %v", err)
		}
	})

	t.Run("quota exhausted", func(t *testing.T) {
		mock.ExpectExec("UPDATE engine_users SET").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := s.ReserveDailySend(context.Background(), userID); err != ErrQuotaExceeded {
			t.Errorf("ReserveDailySend() error = %v, want ErrQuotaExceeded", err)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestJSONMapScan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantLen int
		wantErr bool
	}{
		{"nil input", nil, 0, false},
		{"bytes", []byte(`{"utm_source":"email"}`), 1, false},
		{"string", `{"a":"1","b":"2"}`, 2, false},
		{"empty object", []byte(`{}`), 0, false},
		{"invalid json", []byte(`{broken`), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m JSONMap
			err := m.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("JSONMap.Scan() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(m) != tt.wantLen {
				t.Errorf("JSONMap.Scan() len = %d, want %d", len(m), tt.wantLen)
			}
		})
	}
}

func TestJSONMapValueNilIsEmptyObject(t *testing.T) {
	var m JSONMap
	v, err := m.Value()
	if err != nil {
		t.Fatalf("JSONMap.Value() error = %v", err)
	}
	if string(v.([]byte)) != "{}" {
		t.Errorf("JSONMap.Value() = %s, want {}", v)
	}
}
