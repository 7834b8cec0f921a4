package optimizers

import (
	"math"
)

// This file implements learning rate schedules.

// Schedule maps a step index (the optimizer's update count) to a learning
// rate value.
type Schedule func(step int64) float64

// Constant returns a schedule with a fixed learning rate.
func Constant(learningRate float64) Schedule {
	return func(int64) float64 { return learningRate }
}

// WarmupLinearDecaySchedule returns a schedule that increases the learning
// rate linearly from 0 to peak over warmupSteps, then decays it linearly back
// to 0 over the remaining totalSteps-warmupSteps.
//
// The schedule is continuous at the warmup/decay boundary:
// schedule(0) == 0 (when warmupSteps > 0), schedule(warmupSteps) == peak and
// schedule(totalSteps) == 0. Steps beyond totalSteps stay at 0.
func WarmupLinearDecaySchedule(peak float64, warmupSteps, totalSteps int64) Schedule {
	return func(step int64) float64 {
		switch {
		case step < warmupSteps:
			return peak * float64(step) / float64(warmupSteps)
		case step >= totalSteps:
			return 0
		default:
			return peak * (1 - float64(step-warmupSteps)/float64(totalSteps-warmupSteps))
		}
	}
}

// TrainingSchedule computes the warmup-then-decay schedule for a training run:
// totalSteps = ceil(trainSize/globalBatchSize) * nEpochs / accumulateGradBatches,
// warmupSteps = round(warmupRate * totalSteps).
//
// It returns the schedule along with the derived step counts.
func TrainingSchedule(trainSize, globalBatchSize, nEpochs int, learningRate float64,
	accumulateGradBatches int, warmupRate float64) (schedule Schedule, totalSteps, warmupSteps int64) {
	stepsPerEpoch := (trainSize + globalBatchSize - 1) / globalBatchSize
	totalSteps = int64(stepsPerEpoch*nEpochs) / int64(accumulateGradBatches)
	warmupSteps = int64(math.Round(warmupRate * float64(totalSteps)))
	return WarmupLinearDecaySchedule(learningRate, warmupSteps, totalSteps), totalSteps, warmupSteps
}
