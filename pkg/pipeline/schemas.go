package pipeline

import (
	"encoding/json"

	"github.com/MakeNowJust/heredoc"
	"github.com/invopop/jsonschema"

	"github.com/plenumlabs/plenum/pkg/llm"
)

// jsonGeneratorPrompt replaces the caller's system prompt on backends
// without a JSON response mode.
const jsonGeneratorPrompt = "You are a JSON generator. You MUST respond with ONLY valid JSON. No text before or after the JSON."

// Schema shapes for structured-output backends. Field descriptions ride
// along into the generated JSON schema; every field is required and no
// extras are allowed, which is what strict mode demands.

type taxonomySchema struct {
	Taxonomy []struct {
		TopicName             string `json:"topicName" jsonschema:"description=Name of the main topic"`
		TopicShortDescription string `json:"topicShortDescription" jsonschema:"description=Brief description of the topic"`
		Subtopics             []struct {
			SubtopicName             string `json:"subtopicName" jsonschema:"description=Name of the subtopic"`
			SubtopicShortDescription string `json:"subtopicShortDescription" jsonschema:"description=Brief description of the subtopic"`
		} `json:"subtopics" jsonschema:"description=Array of subtopics under this topic"`
	} `json:"taxonomy" jsonschema:"description=Array of topics with their subtopics"`
}

type claimsSchema struct {
	Claims []struct {
		Claim        string `json:"claim" jsonschema:"description=The extracted claim statement"`
		Quote        string `json:"quote" jsonschema:"description=The relevant quote from the original comment"`
		TopicName    string `json:"topicName" jsonschema:"description=The topic this claim belongs to"`
		SubtopicName string `json:"subtopicName" jsonschema:"description=The subtopic this claim belongs to"`
	} `json:"claims" jsonschema:"description=Array of extracted claims from the comment"`
}

type cruxSchema struct {
	Crux struct {
		CruxClaim   string   `json:"cruxClaim" jsonschema:"description=The controversial claim statement"`
		Agree       []string `json:"agree" jsonschema:"description=List of participant IDs who would agree with the crux"`
		Disagree    []string `json:"disagree" jsonschema:"description=List of participant IDs who would disagree with the crux"`
		Explanation string   `json:"explanation" jsonschema:"description=Explanation of why participants are divided this way"`
	} `json:"crux" jsonschema:"description=A controversial statement designed to divide participants"`
}

var (
	taxonomyOutputSchema = reflectSchema(&taxonomySchema{})
	claimsOutputSchema   = reflectSchema(&claimsSchema{})
	cruxOutputSchema     = reflectSchema(&cruxSchema{})
)

// reflectSchema builds an inline JSON schema document from a Go type. A nil
// result makes the backend fall back to plain JSON mode.
func reflectSchema(v any) map[string]any {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

func topicTreeFormat() llm.Format {
	return llm.Format{
		Name:         "topic_tree",
		Schema:       taxonomyOutputSchema,
		SystemPrompt: jsonGeneratorPrompt + " Each topic MUST have at least one subtopic.",
		Instructions: heredoc.Doc(`
			<JSON_OUTPUT_REQUIRED>
			Generate a JSON taxonomy with this EXACT structure. Every topic MUST include subtopics array:
			{"taxonomy": [{"topicName": "Topic Name", "topicShortDescription": "Description of the topic", "subtopics": [{"subtopicName": "Subtopic Name", "subtopicShortDescription": "Description of subtopic"}]}]}

			IMPORTANT: Each topic must have at least 1 subtopic in the subtopics array. Do not omit the subtopics field.
			</JSON_OUTPUT_REQUIRED>`),
	}
}

func claimsFormat() llm.Format {
	return llm.Format{
		Name:         "claims",
		Schema:       claimsOutputSchema,
		SystemPrompt: jsonGeneratorPrompt,
		Instructions: heredoc.Doc(`
			<JSON_OUTPUT_REQUIRED>
			Extract claims and respond with valid JSON in this EXACT format:
			{
			  "claims": [
			    {
			      "claim": "string",
			      "quote": "string",
			      "topicName": "string",
			      "subtopicName": "string"
			    }
			  ]
			}
			Ensure ALL claims have topicName and subtopicName fields.
			</JSON_OUTPUT_REQUIRED>`),
	}
}

// dedupFormat carries no schema: the nesting contract keys objects by
// claimId<k>, which strict structured outputs cannot express, so both
// backends run this stage in plain JSON mode.
func dedupFormat() llm.Format {
	return llm.Format{
		Name:         "deduplication",
		SystemPrompt: jsonGeneratorPrompt,
		Instructions: heredoc.Doc(`
			<JSON_OUTPUT_REQUIRED>
			Analyze duplicates and respond with valid JSON containing the deduplicated claims.
			</JSON_OUTPUT_REQUIRED>`),
	}
}

func cruxFormat() llm.Format {
	return llm.Format{
		Name:         "crux",
		Schema:       cruxOutputSchema,
		SystemPrompt: jsonGeneratorPrompt,
		Instructions: heredoc.Doc(`
			<JSON_OUTPUT_REQUIRED>
			Analyze cruxes and respond with valid JSON in this EXACT format:
			{
			  "crux": {
			    "cruxClaim": "string",
			    "agree": ["speaker_list"],
			    "disagree": ["speaker_list"],
			    "explanation": "string"
			  }
			}
			</JSON_OUTPUT_REQUIRED>`),
	}
}
