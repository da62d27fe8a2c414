package provider

// SearchResult is one normalized reverse-image-search hit.
type SearchResult struct {
	Title    string `json:"title"`
	PageURL  string `json:"page_url"`
	ImageURL string `json:"image_url,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// submitRequest is the provider's task-submission payload.
type submitRequest struct {
	ImageURL     string `json:"imageUrl"`
	LocationCode int    `json:"locationCode"`
	LanguageCode string `json:"languageCode"`
}

// apiResponse is the envelope shared by the submit and fetch endpoints.
type apiResponse struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Tasks         []task `json:"tasks"`
}

type task struct {
	ID            string       `json:"id"`
	StatusCode    int          `json:"status_code"`
	StatusMessage string       `json:"status_message"`
	Result        []taskResult `json:"result"`
}

type taskResult struct {
	CheckURL string `json:"check_url"`
	Items    []item `json:"items"`
}

// item is a raw provider result. The provider is inconsistent about
// field names across result types, so every plausible URL and title
// field is captured and resolved by the normalizer. Items may nest one
// level: an item whose own Items is non-empty is a container.
type item struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Text        string `json:"text"`
	Alt         string `json:"alt"`

	URL       string `json:"url"`
	PageURL   string `json:"page_url"`
	SourceURL string `json:"source_url"`
	Link      string `json:"link"`
	Domain    string `json:"domain"`

	ImageURL string `json:"image_url"`
	Source   string `json:"source"`

	Items []item `json:"items"`
}

// Submission is the outcome of a task submission. Some providers
// return results inline when the task completes synchronously.
type Submission struct {
	TaskID   string
	CheckURL string
	Results  []SearchResult
}

// Fetch is the outcome of polling a task.
type Fetched struct {
	CheckURL string
	Results  []SearchResult
	Ready    bool
}
