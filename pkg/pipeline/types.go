package pipeline

import (
	"errors"

	"github.com/plenumlabs/plenum/pkg/llm"
)

// ErrInvalidInput marks request validation failures. The API layer maps it
// to a 400 response.
var ErrInvalidInput = errors.New("invalid input")

// Sort keys accepted by SortClaims. Anything else is rejected as invalid
// input, including the empty string.
const (
	SortByPeople = "numPeople"
	SortByClaims = "numClaims"
)

// Comment is one participant utterance submitted to the pipeline.
type Comment struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
}

// LLMConfig carries the model selection and prompt pair for one stage call.
// Prompts are owned by the caller; stages only append to them.
type LLMConfig struct {
	ModelName    string `json:"model_name"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

// Subtopic is one leaf of the report taxonomy.
type Subtopic struct {
	Name        string `json:"subtopicName"`
	Description string `json:"subtopicShortDescription"`
}

// Topic is one top-level theme of the report taxonomy.
type Topic struct {
	Name        string     `json:"topicName"`
	Description string     `json:"topicShortDescription"`
	Subtopics   []Subtopic `json:"subtopics"`
}

// Taxonomy wraps the topic list the way stage 1 clients send it back to the
// claims stage.
type Taxonomy struct {
	Topics []Topic `json:"taxonomy"`
}

// TopicTreeRequest is the input to TopicTree.
type TopicTreeRequest struct {
	Comments []Comment `json:"comments"`
	LLM      LLMConfig `json:"llm"`
	// APIKey is forwarded from the transport layer, never from the body.
	APIKey string `json:"-"`
}

// TopicTreeResult is the TopicTree output. Data is the bare topic list, not
// the Taxonomy wrapper.
type TopicTreeResult struct {
	Data  []Topic   `json:"data"`
	Usage llm.Usage `json:"usage"`
	Cost  float64   `json:"cost"`
}

// ClaimsRequest is the input to Claims. Tree is the taxonomy produced by
// TopicTree.
type ClaimsRequest struct {
	Comments []Comment `json:"comments"`
	LLM      LLMConfig `json:"llm"`
	Tree     Taxonomy  `json:"tree"`
	APIKey   string    `json:"-"`
}

// ClaimsResult is the Claims output.
type ClaimsResult struct {
	Data  *ClaimTree `json:"data"`
	Usage llm.Usage  `json:"usage"`
	Cost  float64    `json:"cost"`
}

// SortRequest is the input to SortClaims. Tree is the claim tree produced
// by Claims.
type SortRequest struct {
	Tree   *ClaimTree `json:"tree"`
	LLM    LLMConfig  `json:"llm"`
	Sort   string     `json:"sort"`
	APIKey string     `json:"-"`
}

// SortResult is the SortClaims output.
type SortResult struct {
	Data  SortedTree `json:"data"`
	Usage llm.Usage  `json:"usage"`
	Cost  float64    `json:"cost"`
}

// CruxesRequest is the input to Cruxes. CruxTree is a claim tree; Topics is
// the taxonomy used to look up short descriptions. TopK of zero or less
// picks min(ceil(sqrt(crux count)), 10).
type CruxesRequest struct {
	CruxTree *ClaimTree `json:"crux_tree"`
	LLM      LLMConfig  `json:"llm"`
	Topics   []Topic    `json:"topics"`
	TopK     int        `json:"top_k"`
	APIKey   string     `json:"-"`
}

// CruxesResult is the Cruxes output. The controversy matrix is indexed by
// crux order; agree/disagree lists carry "id:name" labeled speakers.
type CruxesResult struct {
	CruxClaims        []CruxClaim `json:"cruxClaims"`
	ControversyMatrix [][]float64 `json:"controversyMatrix"`
	TopCruxes         []TopCrux   `json:"topCruxes"`
	Usage             llm.Usage   `json:"usage"`
	Cost              float64     `json:"cost"`
}

// CruxClaim is one synthesized statement that splits speakers into agree
// and disagree camps.
type CruxClaim struct {
	CruxClaim   string   `json:"cruxClaim"`
	Agree       []string `json:"agree"`
	Disagree    []string `json:"disagree"`
	Explanation string   `json:"explanation"`
}

// TopCrux is one high-controversy pair from the matrix.
type TopCrux struct {
	Score float64 `json:"score"`
	CruxA string  `json:"cruxA"`
	CruxB string  `json:"cruxB"`
}
