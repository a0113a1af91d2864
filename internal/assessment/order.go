package assessment

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/pavelanni/schoolexam/internal/model"
)

// rngFor returns a generator seeded from the attempt id, so the same attempt
// always yields the same order.
func rngFor(attemptID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(attemptID))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// freezeOrder picks the questions served to an attempt: active questions in
// authored order, shuffled when the exam randomizes questions, cut to the
// schedule's question count. When the exam randomizes answers, option keys of
// multiple-choice questions are shuffled too.
func freezeOrder(attemptID string, exam model.Exam, sc model.Schedule, questions []model.Question) (model.IDList, model.OptionOrder) {
	rng := rngFor(attemptID)

	var pool []model.Question
	for _, q := range questions {
		if q.Active {
			pool = append(pool, q)
		}
	}
	if exam.RandomizeQuestions {
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}
	if sc.TotalQuestions > 0 && sc.TotalQuestions < len(pool) {
		pool = pool[:sc.TotalQuestions]
	}

	order := make(model.IDList, len(pool))
	for i, q := range pool {
		order[i] = q.ID
	}

	if !exam.RandomizeAnswers {
		return order, nil
	}
	options := make(model.OptionOrder)
	for _, q := range pool {
		if q.Type != model.QuestionMultipleChoice || len(q.Options) < 2 {
			continue
		}
		keys := q.OptionKeys()
		rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		options[q.ID] = keys
	}
	return order, options
}

// orderOptions arranges opts by keys. Options missing from keys keep their
// relative order at the end.
func orderOptions(opts model.Options, keys []string) model.Options {
	if len(keys) == 0 {
		return opts
	}
	byKey := make(map[string]model.Option, len(opts))
	for _, o := range opts {
		byKey[o.Key] = o
	}
	out := make(model.Options, 0, len(opts))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if o, ok := byKey[k]; ok {
			out = append(out, o)
			seen[k] = true
		}
	}
	for _, o := range opts {
		if !seen[o.Key] {
			out = append(out, o)
		}
	}
	return out
}
