package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

// Device is the compute target for the forward pass. Only the CPU exists;
// Threads bounds how many goroutines a single Linear call fans out to.
type Device struct {
	Name    string
	Threads int
}

// CPU returns the CPU device. threads <= 0 means GOMAXPROCS.
func CPU(threads int) Device {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return Device{Name: "cpu", Threads: threads}
}

func (d Device) String() string {
	return fmt.Sprintf("%s(threads=%d)", d.Name, d.Threads)
}

// minColsPerWorker keeps tiny projections on the calling goroutine.
const minColsPerWorker = 32

// Linear computes dst = x * w^T + bias, where w is stored [out x in] as in
// PyTorch checkpoints. bias may be nil. Work is split across output columns;
// every element is a single ordered dot product, so results do not depend on
// the thread count.
func (d Device) Linear(dst, x, w *Mat, bias []float32) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic(fmt.Sprintf("linear: shape mismatch x=%dx%d w=%dx%d dst=%dx%d", x.R, x.C, w.R, w.C, dst.R, dst.C))
	}
	if bias != nil && len(bias) != w.R {
		panic("linear: bias length mismatch")
	}
	if dst.R == 0 || dst.C == 0 {
		return
	}

	workers := d.Threads
	if workers <= 0 {
		workers = 1
	}
	if maxWorkers := w.R / minColsPerWorker; workers > maxWorkers {
		workers = maxWorkers
	}
	if workers <= 1 {
		linearCols(dst, x, w, bias, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	var wg sync.WaitGroup
	for cs := 0; cs < w.R; cs += chunk {
		ce := min(cs+chunk, w.R)
		wg.Go(func() {
			linearCols(dst, x, w, bias, cs, ce)
		})
	}
	wg.Wait()
}

func linearCols(dst, x, w *Mat, bias []float32, cs, ce int) {
	for i := 0; i < x.R; i++ {
		xi := x.Row(i)
		di := dst.Row(i)
		for j := cs; j < ce; j++ {
			v := Dot(xi, w.Row(j))
			if bias != nil {
				v += bias[j]
			}
			di[j] = v
		}
	}
}
