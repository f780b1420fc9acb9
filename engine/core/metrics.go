package core

import "sync"

const frameAvgCount = 30

// MetricsState accumulates frame timing: a rolling frame-ms average and a
// frames-per-second counter, fed once per frame by the engine loop.
type MetricsState struct {
	frameAvgCounter    uint8
	msTimes            [frameAvgCount]float64
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64
}

var onceMetrics sync.Once
var metricsState *MetricsState

func MetricsInitialize() error {
	onceMetrics.Do(func() {
		metricsState = &MetricsState{}
	})
	return nil
}

// MetricsUpdate records one frame's elapsed time, in seconds.
func MetricsUpdate(frameElapsedTime float64) {
	frameMS := frameElapsedTime * 1000.0
	metricsState.msTimes[metricsState.frameAvgCounter] = frameMS
	if metricsState.frameAvgCounter == frameAvgCount-1 {
		sum := 0.0
		for i := 0; i < frameAvgCount; i++ {
			sum += metricsState.msTimes[i]
		}
		metricsState.msAvg = sum / float64(frameAvgCount)
	}
	metricsState.frameAvgCounter++
	metricsState.frameAvgCounter %= frameAvgCount

	metricsState.accumulatedFrameMS += frameMS
	if metricsState.accumulatedFrameMS > 1000 {
		metricsState.fps = float64(metricsState.frames)
		metricsState.accumulatedFrameMS -= 1000
		metricsState.frames = 0
	}
	metricsState.frames++
}

func MetricsFPS() float64 {
	return metricsState.fps
}

func MetricsFrameTime() float64 {
	return metricsState.msAvg
}

// MetricsFrame returns (fps, average frame ms).
func MetricsFrame() (float64, float64) {
	return metricsState.fps, metricsState.msAvg
}
