package main

import (
	"sort"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/Zereker/tapproxy"
	"github.com/Zereker/tapproxy/logic"
)

// village is the part of the home layout JSON that tapdump reports on.
type village struct {
	Buildings []villageObject `json:"buildings"`
	Traps     []villageObject `json:"traps"`
	Decos     []villageObject `json:"decos"`
	Obstacles []villageObject `json:"obstacles"`
}

type villageObject struct {
	Data  int `json:"data"`
	Level int `json:"lvl"`
}

// homeLayouts returns the homeJson layout of every server message carrying one.
func homeLayouts(history []tapproxy.Record) []string {
	var out []string
	for _, r := range history {
		if r.Message.Direction() != tapproxy.Server || r.Decoded.Undecoded() {
			continue
		}
		if v, ok := r.Decoded.Fields.Get("homeJson"); ok {
			if z, ok := v.(tapproxy.ZipString); ok && z.Text != "" {
				out = append(out, z.Text)
			}
		}
	}
	return out
}

// countObjects resolves the type ids of a layout and counts them by name.
func countObjects(game *logic.Logic, layout string) (map[string]int, error) {
	var v village
	if err := sonic.UnmarshalString(layout, &v); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, group := range [][]villageObject{v.Buildings, v.Traps, v.Decos, v.Obstacles} {
		for _, o := range group {
			name, err := game.Resolve(o.Data)
			if err != nil {
				name = "unknown"
			}
			counts[name]++
		}
	}
	return counts, nil
}

func logVillage(log zerolog.Logger, game *logic.Logic, history []tapproxy.Record) {
	for _, layout := range homeLayouts(history) {
		counts, err := countObjects(game, layout)
		if err != nil {
			log.Warn().Err(err).Msg("parse home layout")
			continue
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)

		dict := zerolog.Dict()
		for _, name := range names {
			dict = dict.Int(name, counts[name])
		}
		log.Info().Dict("objects", dict).Msg("village")
	}
}
