package services

import (
	"fmt"
	"math/rand"

	"github.com/perceptlab/imagetrial/internal/config"
	"github.com/perceptlab/imagetrial/internal/models"
)

// ShuffleFunc permutes n elements via swap. Each stage receives its own
// invocation so permutations are independent across stages and sessions.
type ShuffleFunc func(n int, swap func(i, j int))

func defaultShuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// BuildSequence materializes the stage list and flattened item list for a new
// session of the given group. Order indexes ascend monotonically across the
// whole session and are never reset per stage. A stage whose subset+mode
// pairing has no images stays in the stage list with TotalItems = 0.
func BuildSequence(exp *config.Experiment, imageRoot, groupID string, shuffle ShuffleFunc) ([]models.Stage, []models.Item, error) {
	group, ok := exp.Groups[groupID]
	if !ok {
		return nil, nil, NewConfigError(fmt.Sprintf("unknown group %q", groupID))
	}
	if len(group.Stages) == 0 {
		return nil, nil, NewConfigError(fmt.Sprintf("group %q has no configured stages", groupID))
	}
	if shuffle == nil {
		shuffle = defaultShuffle
	}

	stages := make([]models.Stage, 0, len(group.Stages))
	items := []models.Item{}
	next := 0
	for stageIndex, st := range group.Stages {
		if _, ok := exp.Subsets[st.SubsetID]; !ok {
			return nil, nil, NewConfigError(fmt.Sprintf("stage %d references unknown subset %q", stageIndex, st.SubsetID))
		}
		mode, ok := exp.Modes[st.ModeID]
		if !ok {
			return nil, nil, NewConfigError(fmt.Sprintf("stage %d references unknown mode %q", stageIndex, st.ModeID))
		}
		images, err := exp.ModeImages(imageRoot, st.ModeID, st.SubsetID)
		if err != nil {
			return nil, nil, NewConfigError(err.Error())
		}
		if mode.Randomize {
			shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })
		}
		for _, img := range images {
			items = append(items, models.Item{
				ImageID:    img.ImageID,
				Filename:   img.Filename,
				Title:      img.Title,
				URL:        img.URL,
				OrderIndex: next,
				StageIndex: stageIndex,
				SubsetID:   st.SubsetID,
				ModeID:     st.ModeID,
			})
			next++
		}
		stages = append(stages, models.Stage{
			Index:      stageIndex,
			SubsetID:   st.SubsetID,
			ModeID:     st.ModeID,
			Label:      st.Label,
			TotalItems: len(images),
		})
	}
	return stages, items, nil
}
