package main

import "testing"

func TestMigrationURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "postgres://u:p@db:5432/membership?sslmode=disable", want: "pgx5://u:p@db:5432/membership?sslmode=disable"},
		{raw: "postgresql://u:p@db/membership", want: "pgx5://u:p@db/membership"},
		{raw: "pgx5://db/membership", want: "pgx5://db/membership"},
		{raw: "  ", wantErr: true},
		{raw: "mysql://db/membership", wantErr: true},
	}

	for _, tt := range tests {
		got, err := migrationURL(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("migrationURL(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}
