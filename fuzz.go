package evtx

import "context"

func Fuzz(data []byte) int {
	f, err := NewBytes(data, &Options{
		NumThreads:   1,
		RecoveryMode: RecoverySkipBadRecords,
	})
	if err != nil {
		return 0
	}
	if err := f.Parse(); err != nil {
		return 0
	}
	for range f.Records(context.Background()) {
	}
	return 1
}
