package exam

import (
	"fmt"
	"math"

	"coursetest/internal/question"
)

type ItemScore struct {
	QuestionID int64         `json:"question_id"`
	Kind       question.Kind `json:"kind"`
	Possible   int           `json:"possible"`
	Awarded    int           `json:"awarded"`
	Answered   bool          `json:"answered"`
	// Graded is false only for an image answer still waiting for marks.
	Graded    bool  `json:"graded"`
	IsCorrect *bool `json:"is_correct,omitempty"`
	Selected  *int  `json:"selected_option,omitempty"`
}

type Score struct {
	Awarded     int         `json:"awarded"`
	Possible    int         `json:"possible"`
	Percentage  int         `json:"percentage"`
	FullyGraded bool        `json:"fully_graded"`
	Items       []ItemScore `json:"items,omitempty"`
}

// String renders the score as "awarded/possible".
func (s Score) String() string {
	return fmt.Sprintf("%d/%d", s.Awarded, s.Possible)
}

// ComputeScore scores the given answers against exactly the given questions.
// Callers pass the question set the viewer is entitled to; answers to any
// other question are ignored.
func ComputeScore(questions []question.Question, choices []ChoiceResponse, images []ImageAnswer) Score {
	selected := make(map[int64]int, len(choices))
	for _, c := range choices {
		selected[c.QuestionID] = c.SelectedOption
	}
	answers := make(map[int64]ImageAnswer, len(images))
	for _, a := range images {
		answers[a.QuestionID] = a
	}

	out := Score{FullyGraded: true, Items: make([]ItemScore, 0, len(questions))}
	for _, q := range questions {
		if !q.Assessable() {
			continue
		}
		item := ItemScore{QuestionID: q.ID, Kind: q.Kind, Possible: q.Marks(), Graded: true}

		switch q.Kind {
		case question.KindChoice:
			if opt, ok := selected[q.ID]; ok {
				o := opt
				correct := opt == q.Choice.CorrectOption
				item.Answered = true
				item.Selected = &o
				item.IsCorrect = &correct
				if correct {
					item.Awarded = 1
				}
			}
		case question.KindImage:
			if a, ok := answers[q.ID]; ok {
				item.Answered = true
				if a.AwardedMarks == nil {
					item.Graded = false
					out.FullyGraded = false
				} else {
					item.Awarded = *a.AwardedMarks
				}
			}
		}

		out.Possible += item.Possible
		out.Awarded += item.Awarded
		out.Items = append(out.Items, item)
	}
	out.Percentage = percentage(out.Awarded, out.Possible)
	return out
}

func percentage(awarded, possible int) int {
	if possible <= 0 {
		return 0
	}
	return int(math.Round(float64(awarded) * 100 / float64(possible)))
}

// autoMarks counts correct choice responses; used at submit time.
func autoMarks(questions []question.Question, choices []ChoiceResponse) int {
	correct := make(map[int64]int, len(questions))
	for _, q := range questions {
		if q.Kind == question.KindChoice && q.Assessable() {
			correct[q.ID] = q.Choice.CorrectOption
		}
	}
	n := 0
	for _, c := range choices {
		if want, ok := correct[c.QuestionID]; ok && want == c.SelectedOption {
			n++
		}
	}
	return n
}
