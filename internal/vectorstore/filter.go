package vectorstore

// Filter construction for the Qdrant REST API. A search filter is a
// conjunction (must) of sub-filters; multi-repo selection nests a
// disjunction (should) of equality matches as one conjunct.

type matchValue struct {
	Value string `json:"value"`
}

type matchText struct {
	Text string `json:"text"`
}

type fieldCondition struct {
	Key   string `json:"key"`
	Match any    `json:"match"`
}

type shouldClause struct {
	Should []fieldCondition `json:"should"`
}

type searchFilter struct {
	Must []any `json:"must"`
}

// buildFilter assembles the conjunction for params. ContentType is always
// present; path prefix and repos are optional.
func buildFilter(params SearchParams) *searchFilter {
	filter := &searchFilter{}

	if params.PathPrefix != "" {
		filter.Must = append(filter.Must, fieldCondition{
			Key:   "path",
			Match: matchText{Text: params.PathPrefix},
		})
	}

	switch len(params.Repos) {
	case 0:
	case 1:
		filter.Must = append(filter.Must, fieldCondition{
			Key:   "repo",
			Match: matchValue{Value: params.Repos[0]},
		})
	default:
		should := make([]fieldCondition, 0, len(params.Repos))
		for _, repo := range params.Repos {
			should = append(should, fieldCondition{
				Key:   "repo",
				Match: matchValue{Value: repo},
			})
		}
		filter.Must = append(filter.Must, shouldClause{Should: should})
	}

	filter.Must = append(filter.Must, fieldCondition{
		Key:   "content_type",
		Match: matchValue{Value: params.ContentType},
	})

	return filter
}
