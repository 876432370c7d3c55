package protocol

import (
	"strings"

	mqerrors "github.com/maxpert/mqengine/errors"
)

const MaxNameLength = 255

// DefaultExchange is the nameless direct exchange every queue is reachable through.
const DefaultExchange = ""

// ReservedPrefix marks broker-owned exchange names
const ReservedPrefix = "amq."

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

// ValidateName checks an exchange or queue name. Names use the routing key
// alphabet so every queue can be addressed through the default exchange.
func ValidateName(kind, name string) error {
	if name == "" || len(name) > MaxNameLength {
		return mqerrors.NewInvalidArgument(name, kind+" name must be 1-255 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isWordChar(c) && c != '.' {
			return mqerrors.NewInvalidArgument(name, "invalid character in "+kind+" name '"+name+"'")
		}
	}
	return nil
}

// ValidateRoutingKey checks the routing key of a published message.
func ValidateRoutingKey(key string) error {
	if len(key) > MaxNameLength {
		return mqerrors.NewInvalidArgument(key, "routing key longer than 255 characters")
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; !isWordChar(c) && c != '.' {
			return mqerrors.NewInvalidArgument(key, "invalid character in routing key '"+key+"'")
		}
	}
	return nil
}

// ValidateBindingKey checks a binding key. Wildcards are only legal for topic exchanges.
func ValidateBindingKey(kind ExchangeType, key string) error {
	if kind != ExchangeTopic {
		return ValidateRoutingKey(key)
	}
	if len(key) > MaxNameLength {
		return mqerrors.NewInvalidArgument(key, "binding key longer than 255 characters")
	}

	words := strings.Split(key, ".")
	for i, word := range words {
		if strings.ContainsAny(word, "*#") && len(word) != 1 {
			return mqerrors.NewInvalidArgument(key, "wildcard must be a whole word in '"+key+"'")
		}
		for j := 0; j < len(word); j++ {
			if c := word[j]; !isWordChar(c) && c != '*' && c != '#' {
				return mqerrors.NewInvalidArgument(key, "invalid character in binding key '"+key+"'")
			}
		}
		if i == 0 {
			continue
		}
		prev := words[i-1]
		if (prev == "#" && (word == "#" || word == "*")) || (prev == "*" && word == "#") {
			return mqerrors.NewInvalidArgument(key, "adjacent wildcards '"+prev+"."+word+"' in '"+key+"'")
		}
	}
	return nil
}
