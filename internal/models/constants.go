package models

const (
	// BGE-small-en-v1.5 output size.
	DefaultDimension = 384

	DefaultIndexName        = "documents"
	DefaultTextField        = "text_content"
	DefaultVectorField      = "embedding"
	DefaultSpaceType        = "l2"
	DefaultMethod           = "hnsw"
	DefaultEngine           = "nmslib"
	DefaultTotalFieldsLimit = 10000

	// PoolingCLS takes the first-position hidden state as the sentence vector.
	PoolingCLS = "cls"

	IDStrategySourceURL = "source_url"
	IDStrategyGenerated = "generated"

	pdfExt = ".pdf"
)

// Stage names a step of the per-document pipeline.
type Stage string

const (
	StageInit      Stage = "init"
	StageFetching  Stage = "fetching"
	StageExtract   Stage = "extracting"
	StageEmbedding Stage = "embedding"
	StageUpserting Stage = "upserting"
)

// State is the terminal outcome of a document run.
type State string

const (
	StateDone    State = "done"
	StateSkipped State = "skipped"
	StateFailed  State = "failed"
)
