package auth

import "testing"

func TestAllowed(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		required []string
		want     bool
	}{
		{
			name:     "no requirement admits anyone",
			identity: &Identity{Subject: "u1"},
			required: nil,
			want:     true,
		},
		{
			name:     "nil identity denied",
			identity: nil,
			required: []string{"compras"},
			want:     false,
		},
		{
			name:     "matching role admitted",
			identity: &Identity{Subject: "u1", Roles: []string{"compras"}},
			required: []string{"compras", "planejamento"},
			want:     true,
		},
		{
			name:     "non-matching role denied",
			identity: &Identity{Subject: "u1", Roles: []string{"financeiro"}},
			required: []string{"compras"},
			want:     false,
		},
		{
			name:     "case and whitespace insensitive",
			identity: &Identity{Subject: "u1", Roles: []string{" Compras "}},
			required: []string{"compras"},
			want:     true,
		},
		{
			name:     "admin role bypasses requirement",
			identity: &Identity{Subject: "u1", Roles: []string{"admin"}},
			required: []string{"compras"},
			want:     true,
		},
		{
			name:     "superuser bypasses requirement",
			identity: &Identity{Subject: "u1", Superuser: true},
			required: []string{"compras"},
			want:     true,
		},
		{
			name:     "no roles denied",
			identity: &Identity{Subject: "u1"},
			required: []string{"compras"},
			want:     false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allowed(tc.identity, tc.required); got != tc.want {
				t.Fatalf("Allowed(%v, %v) = %v, want %v", tc.identity, tc.required, got, tc.want)
			}
		})
	}
}
