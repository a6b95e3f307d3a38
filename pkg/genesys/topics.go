package genesys

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/util"
)

const (
	discoveryPageSize = 100
	discoveryMaxPages = 50
)

// TopicPreview is the merged set of manual and discovered topics.
type TopicPreview struct {
	Topics           []string       `json:"topics"`
	ManualTopicCount int            `json:"manual_topic_count"`
	PresetTopicCount int            `json:"preset_topic_count"`
	Builder          BuilderPreview `json:"builder"`
}

// BuilderPreview describes one topic-builder discovery run.
type BuilderPreview struct {
	Mode        string            `json:"mode"`
	GeneratedAt string            `json:"generated_at,omitempty"`
	Topics      []string          `json:"topics"`
	Queues      []DiscoveredEntry `json:"queues"`
	Users       []DiscoveredEntry `json:"users"`
}

// DiscoveredEntry is one queue or user surfaced by discovery.
type DiscoveredEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// QueueTopic returns the canonical conversation topic for a queue.
func QueueTopic(queueID string) string {
	return fmt.Sprintf("v2.routing.queues.%s.conversations.calls", queueID)
}

// UserTopic returns the canonical conversation topic for a user.
func UserTopic(userID string) string {
	return fmt.Sprintf("v2.users.%s.conversations.calls", userID)
}

// TopicsPreview merges the manually configured topics with the topic
// builder's discovered set. Discovery results are cached until the
// refresh interval elapses (or refresh forces a new run).
func (c *Connector) TopicsPreview(ctx context.Context, refresh bool) (TopicPreview, error) {
	manual := c.manualTopics()

	builder, err := c.builderPreview(ctx, refresh)
	if err != nil {
		return TopicPreview{}, err
	}

	merged := make(map[string]bool, len(manual)+len(builder.Topics))
	for _, topic := range manual {
		merged[topic] = true
	}
	for _, topic := range builder.Topics {
		merged[topic] = true
	}

	topics := make([]string, 0, len(merged))
	for topic := range merged {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return TopicPreview{
		Topics:           topics,
		ManualTopicCount: len(manual),
		PresetTopicCount: len(builder.Topics),
		Builder:          builder,
	}, nil
}

func (c *Connector) manualTopics() []string {
	topics := make(map[string]bool)
	for _, topic := range c.cfg.Genesys.SubscriptionTopics {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics[topic] = true
		}
	}
	for _, queueID := range c.cfg.Genesys.QueueIDs {
		topics[QueueTopic(queueID)] = true
	}
	for _, userID := range c.cfg.Genesys.UserIDs {
		topics[UserTopic(userID)] = true
	}

	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (c *Connector) builderPreview(ctx context.Context, refresh bool) (BuilderPreview, error) {
	mode := c.cfg.Genesys.TopicBuilderMode
	switch mode {
	case "", "manual", "off", "none":
		return BuilderPreview{Mode: mode, Topics: []string{}, Queues: []DiscoveredEntry{}, Users: []DiscoveredEntry{}}, nil
	}

	c.topicsMu.Lock()
	cached := c.cachedPreview
	needsRefresh := refresh || cached == nil ||
		time.Since(c.lastTopicRefresh) >= time.Duration(c.cfg.Genesys.TopicBuilderRefreshSeconds)*time.Second
	c.topicsMu.Unlock()

	if !needsRefresh {
		return cached.Builder, nil
	}

	includeQueues := strings.Contains(mode, "queue") || mode == "all" || mode == "org"
	includeUsers := strings.Contains(mode, "user") || mode == "all" || mode == "org"
	if !includeQueues && !includeUsers {
		includeQueues = true
		includeUsers = true
	}

	topics := make(map[string]bool)
	var queues, users []DiscoveredEntry

	if includeQueues {
		discovered, err := c.discoverQueues(ctx)
		if err != nil {
			return BuilderPreview{}, err
		}
		queues = discovered
		for _, queue := range queues {
			topics[QueueTopic(queue.ID)] = true
		}
	}

	if includeUsers {
		discovered, err := c.discoverUsers(ctx)
		if err != nil {
			return BuilderPreview{}, err
		}
		users = discovered
		for _, user := range users {
			topics[UserTopic(user.ID)] = true
		}
	}

	topicList := make([]string, 0, len(topics))
	for topic := range topics {
		topicList = append(topicList, topic)
	}
	sort.Strings(topicList)

	preview := BuilderPreview{
		Mode:        mode,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Topics:      topicList,
		Queues:      queues,
		Users:       users,
	}

	c.topicsMu.Lock()
	c.cachedPreview = &TopicPreview{Builder: preview}
	c.lastTopicRefresh = time.Now()
	c.topicsMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"mode":   mode,
		"queues": len(queues),
		"users":  len(users),
		"topics": len(topicList),
	}).Info("Genesys topic builder refreshed")

	return preview, nil
}

func (c *Connector) discoverQueues(ctx context.Context) ([]DiscoveredEntry, error) {
	maxItems := c.cfg.Genesys.TopicBuilderMaxQueues
	if maxItems == 0 {
		return nil, nil
	}
	filters := lowerAll(c.cfg.Genesys.TopicBuilderQueueNameFilters)

	var discovered []DiscoveredEntry
	for page := 1; page <= discoveryMaxPages; page++ {
		entities, pageCount, err := c.fetchEntityPage(ctx, "/api/v2/routing/queues", page, nil)
		if err != nil {
			return nil, err
		}
		if len(entities) == 0 {
			break
		}

		for _, entity := range entities {
			if entity.ID == "" || entity.Name == "" {
				continue
			}
			if len(filters) > 0 && !containsAny(strings.ToLower(entity.Name), filters) {
				continue
			}
			discovered = append(discovered, entity)
			if maxItems > 0 && len(discovered) >= maxItems {
				return discovered, nil
			}
		}

		if pageCount > 0 && page >= pageCount {
			break
		}
		if len(entities) < discoveryPageSize {
			break
		}
	}
	return discovered, nil
}

func (c *Connector) discoverUsers(ctx context.Context) ([]DiscoveredEntry, error) {
	maxItems := c.cfg.Genesys.TopicBuilderMaxUsers
	if maxItems == 0 {
		return nil, nil
	}
	nameFilters := lowerAll(c.cfg.Genesys.TopicBuilderUserNameFilters)
	domainFilters := make([]string, 0, len(c.cfg.Genesys.TopicBuilderEmailDomainFilter))
	for _, domain := range c.cfg.Genesys.TopicBuilderEmailDomainFilter {
		domainFilters = append(domainFilters, strings.TrimPrefix(strings.ToLower(domain), "@"))
	}

	var discovered []DiscoveredEntry
	for page := 1; page <= discoveryMaxPages; page++ {
		entities, pageCount, err := c.fetchEntityPage(ctx, "/api/v2/users", page, url.Values{"state": {"active"}})
		if err != nil {
			return nil, err
		}
		if len(entities) == 0 {
			break
		}

		for _, entity := range entities {
			if entity.ID == "" {
				continue
			}
			if len(nameFilters) > 0 && !containsAny(strings.ToLower(entity.Name), nameFilters) {
				continue
			}
			if len(domainFilters) > 0 && !emailMatchesDomain(entity.Email, domainFilters) {
				continue
			}
			discovered = append(discovered, entity)
			if maxItems > 0 && len(discovered) >= maxItems {
				return discovered, nil
			}
		}

		if pageCount > 0 && page >= pageCount {
			break
		}
		if len(entities) < discoveryPageSize {
			break
		}
	}
	return discovered, nil
}

func (c *Connector) fetchEntityPage(ctx context.Context, path string, page int, extra url.Values) ([]DiscoveredEntry, int, error) {
	query := url.Values{
		"pageSize":   {fmt.Sprintf("%d", discoveryPageSize)},
		"pageNumber": {fmt.Sprintf("%d", page)},
	}
	for key, values := range extra {
		query[key] = values
	}

	_, body, err := c.client.Do(ctx, http.MethodGet, c.cfg.Genesys.APIBaseURL+path, util.RequestOptions{
		Query:          query,
		BeforeAttempt:  c.authHeaders(ctx),
		OnUnauthorized: c.invalidateToken,
	})
	if err != nil {
		return nil, 0, err
	}

	var response struct {
		Entities []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"entities"`
		PageCount int `json:"pageCount"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, 0, err
	}

	entities := make([]DiscoveredEntry, 0, len(response.Entities))
	for _, entity := range response.Entities {
		entities = append(entities, DiscoveredEntry{
			ID:    strings.TrimSpace(entity.ID),
			Name:  strings.TrimSpace(entity.Name),
			Email: strings.ToLower(strings.TrimSpace(entity.Email)),
		})
	}
	return entities, response.PageCount, nil
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func emailMatchesDomain(email string, domains []string) bool {
	for _, domain := range domains {
		if strings.HasSuffix(email, "@"+domain) {
			return true
		}
	}
	return false
}
