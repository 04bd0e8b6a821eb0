package pipeline

import "strconv"

// anonymousSpeakerIDs assigns every distinct speaker in the tree a numeric
// id string. Speakers are sorted by name before enumeration, so ids are
// deterministic for a given dataset. Claims without a speaker are skipped.
func anonymousSpeakerIDs(tree *ClaimTree) map[string]string {
	speakers := NewStringSet()
	for _, topicName := range tree.Keys() {
		bucket, _ := tree.Get(topicName)
		for _, subName := range bucket.Subtopics.Keys() {
			sub, _ := bucket.Subtopics.Get(subName)
			for _, claim := range sub.Claims {
				if claim.Speaker != "" {
					speakers.Add(claim.Speaker)
				}
			}
		}
	}
	ids := make(map[string]string, speakers.Len())
	for i, name := range speakers.Values() {
		ids[name] = strconv.Itoa(i)
	}
	return ids
}

// descriptionIndex flattens topic and subtopic short descriptions into one
// name-keyed map. Duplicate names across levels collapse to the last one
// seen.
func descriptionIndex(topics []Topic) map[string]string {
	index := make(map[string]string)
	for _, topic := range topics {
		index[topic.Name] = topic.Description
		for _, sub := range topic.Subtopics {
			index[sub.Name] = sub.Description
		}
	}
	return index
}
