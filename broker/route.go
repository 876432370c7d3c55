package broker

import (
	"sort"
	"strings"

	"github.com/maxpert/mqengine/protocol"
)

// Route returns the sorted, de-duplicated names of the queues a message with
// routingKey reaches through bindings of an exchange of the given kind.
func Route(kind protocol.ExchangeType, bindings []*protocol.Binding, routingKey string) []string {
	if len(bindings) == 0 {
		return nil
	}

	var match func(bindingKey string) bool
	switch kind {
	case protocol.ExchangeDirect:
		match = func(bindingKey string) bool { return bindingKey == routingKey }
	case protocol.ExchangeFanout:
		match = func(string) bool { return true }
	case protocol.ExchangeTopic:
		key := splitWords(routingKey)
		match = func(bindingKey string) bool { return matchWords(splitWords(bindingKey), key) }
	default:
		return nil
	}

	seen := make(map[string]struct{}, len(bindings))
	queues := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		if _, dup := seen[binding.Queue]; dup || !match(binding.Key) {
			continue
		}
		seen[binding.Queue] = struct{}{}
		queues = append(queues, binding.Queue)
	}

	sort.Strings(queues)
	return queues
}

// MatchTopic reports whether a topic routing key matches a binding pattern.
// "*" matches exactly one word and "#" matches zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(splitWords(pattern), splitWords(routingKey))
}

// splitWords treats the empty string as zero words
func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// matchWords aligns pattern words against key words. matched[j] holds whether the
// pattern prefix processed so far matches the first j key words.
func matchWords(pattern, key []string) bool {
	matched := make([]bool, len(key)+1)
	next := make([]bool, len(key)+1)
	matched[0] = true

	for _, word := range pattern {
		switch word {
		case "#":
			// zero words keeps matched[j]; more words extend from next[j-1]
			next[0] = matched[0]
			for j := 1; j <= len(key); j++ {
				next[j] = matched[j] || next[j-1]
			}
		case "*":
			next[0] = false
			for j := 1; j <= len(key); j++ {
				next[j] = matched[j-1]
			}
		default:
			next[0] = false
			for j := 1; j <= len(key); j++ {
				next[j] = matched[j-1] && key[j-1] == word
			}
		}
		matched, next = next, matched
	}

	return matched[len(key)]
}
