package kvengine

import "github.com/pingcap/errors"

var (
	// ErrShardNotFound means the change-set references a shard id that is
	// not registered in this engine.
	ErrShardNotFound = errors.New("shard not found")
	// ErrShardNotMatch means the change-set was produced for another
	// version of the shard, e.g. before a split.
	ErrShardNotMatch = errors.New("shard not match")
	// ErrWrongSplitStage means a split-files change-set arrived while the
	// shard is not in the pre-split-flush-done stage.
	ErrWrongSplitStage = errors.New("wrong split stage")
	// ErrShardExists is returned by snapshot ingestion when the shard id
	// is already registered.
	ErrShardExists = errors.New("shard already exists")
)
