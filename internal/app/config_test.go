package app

import "testing"

func TestLoadConfigRewardPerSubmission(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{name: "unset grants one unit", env: "", want: 1},
		{name: "explicit amount", env: "3", want: 3},
		{name: "zero disables", env: "0", want: 0},
		{name: "garbage falls back", env: "lots", want: 1},
		{name: "negative falls back", env: "-2", want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("REWARD_PER_SUBMISSION", tc.env)
			if got := LoadConfig().RewardPerSubmission; got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}
