package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. Every iteration of a session shares the same system prompt,
// so iterations after the first read it from the prompt cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
