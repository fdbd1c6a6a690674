/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Choice is one selectable answer within a round. Delay and Explanation
// are display-only and never influence scoring.
type Choice struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Points        int    `json:"points"`
	Delay         string `json:"delay,omitempty"`
	Explanation   string `json:"explanation,omitempty"`
	SkipNextRound bool   `json:"skipNextRound,omitempty"`
}

// Round is one question with a fixed set of choices. The catalog of rounds
// is loaded once at startup and never mutated afterwards.
type Round struct {
	ID       int      `json:"id"`
	Title    string   `json:"title"`
	Question string   `json:"question"`
	Choices  []Choice `json:"choices"`
}

func (r Round) choice(id string) (Choice, bool) {
	for _, c := range r.Choices {
		if c.ID == id {
			return c, true
		}
	}

	return Choice{}, false
}

// defaultRounds is the built-in six-round RPA adoption deck, used when no
// --rounds file is supplied.
var defaultRounds = []Round{
	{
		ID:       1,
		Title:    "Round 1 - Complexity (Supply Lag)",
		Question: "Your clients use many different accounting systems, and RPA integration is difficult. Do you want to hire an external consultant to start RPA now?",
		Choices: []Choice{
			{ID: "yes", Label: "YES", Points: 2, Delay: "Skip next round (integration delay)", Explanation: "Active choice but faces technical complexity", SkipNextRound: true},
			{ID: "no", Label: "NO", Points: 0, Delay: "None", Explanation: "Stay cautious, no progress made"},
		},
	},
	{
		ID:       2,
		Title:    "Round 2 - Trialability (Supply Lag)",
		Question: "A vendor offers a 3-month free RPA trial. Do you want to join the trial?",
		Choices: []Choice{
			{ID: "yes", Label: "YES", Points: 2, Delay: "None", Explanation: "Builds experience, reduces technical lag"},
			{ID: "no", Label: "NO", Points: -1, Delay: "None", Explanation: "Missed opportunity, technology gap remains"},
		},
	},
	{
		ID:       3,
		Title:    "Round 3 - Compatibility (Regulation Lag)",
		Question: "The government released a new data standard (SAF-T) but it's not yet mandatory. Do you want to upgrade your system early?",
		Choices: []Choice{
			{ID: "yes", Label: "YES", Points: 2, Delay: "Skip next round (upgrade takes time)", Explanation: "Proactive but short-term delay", SkipNextRound: true},
			{ID: "no", Label: "NO", Points: 0, Delay: "None", Explanation: "Wait for clarity, no progress"},
		},
	},
	{
		ID:       4,
		Title:    "Round 4 - Observability (Demand Lag)",
		Question: "Other firms show their RPA success and time savings. Do you want to make your own RPA progress public?",
		Choices: []Choice{
			{ID: "yes", Label: "YES", Points: 2, Delay: "None", Explanation: "Improves transparency and client trust"},
			{ID: "no", Label: "NO", Points: 0, Delay: "None", Explanation: "Low visibility, demand lag continues"},
		},
	},
	{
		ID:       5,
		Title:    "Round 5 - Relative Advantage (Demand Lag)",
		Question: "A new RPA plan can increase efficiency by 20%, but it's expensive. Do you want to pay for it?",
		Choices: []Choice{
			{ID: "yes", Label: "YES", Points: 2, Delay: "Skip next round (budget pressure)", Explanation: "Long-term gain, short-term cost", SkipNextRound: true},
			{ID: "no", Label: "NO", Points: 0, Delay: "None", Explanation: "Save cost, risk falling behind"},
		},
	},
	{
		ID:       6,
		Title:    "Round 6 - Innovation Mindset (No Lag)",
		Question: "Your firm is stable and profitable. Would you still invest in RPA now to drive future innovation?",
		Choices: []Choice{
			{ID: "yes", Label: "YES", Points: 3, Delay: "None", Explanation: "Shows vision and proactive innovation"},
			{ID: "no", Label: "NO", Points: 0, Delay: "None", Explanation: "Safe choice but loses future advantage"},
		},
	},
}

func validateRounds(rounds []Round) error {
	if len(rounds) == 0 {
		return fmt.Errorf("round catalog is empty")
	}

	for _, round := range rounds {
		if len(round.Choices) == 0 {
			return fmt.Errorf("round %d has no choices", round.ID)
		}

		seen := make(map[string]bool, len(round.Choices))
		for _, c := range round.Choices {
			if c.ID == "" {
				return fmt.Errorf("round %d has a choice without an id", round.ID)
			}
			if seen[c.ID] {
				return fmt.Errorf("round %d has duplicate choice id %q", round.ID, c.ID)
			}
			seen[c.ID] = true
		}
	}

	return nil
}

// loadRounds returns the deck to play: the JSON file at path if one was
// given, the built-in deck otherwise.
func loadRounds(path string) ([]Round, error) {
	if path == "" {
		return defaultRounds, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rounds []Round
	if err := json.Unmarshal(data, &rounds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := validateRounds(rounds); err != nil {
		return nil, fmt.Errorf("invalid round catalog %s: %w", path, err)
	}

	return rounds, nil
}
