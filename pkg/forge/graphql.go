package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GraphQLClient is the GraphQL v4 forge variant.
type GraphQLClient struct {
	httpClient *http.Client
	apiURL     string
	token      string
	owner      string
	repo       string
}

// NewGraphQLClient creates a forge client for one repository.
func NewGraphQLClient(apiURL, token, owner, repo string) *GraphQLClient {
	return &GraphQLClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     apiURL,
		token:      token,
		owner:      owner,
		repo:       repo,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// do posts one GraphQL operation and decodes data into out. Transport
// and server-side failures come back wrapped in ErrUnavailable;
// GraphQL-level errors are returned verbatim.
func (c *GraphQLClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(data))
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", gr.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return fmt.Errorf("decode graphql data: %w", err)
		}
	}
	return nil
}

func (c *GraphQLClient) GetRepoID(ctx context.Context) (string, error) {
	const query = `
		query($owner: String!, $name: String!) {
			repository(owner: $owner, name: $name) { id }
		}`
	var data struct {
		Repository struct {
			ID string `json:"id"`
		} `json:"repository"`
	}
	err := c.do(ctx, query, map[string]any{"owner": c.owner, "name": c.repo}, &data)
	if err != nil {
		return "", err
	}
	if data.Repository.ID == "" {
		return "", fmt.Errorf("repository %s/%s not found", c.owner, c.repo)
	}
	return data.Repository.ID, nil
}

func (c *GraphQLClient) CreateIssue(ctx context.Context, req CreateIssueRequest) (*Issue, error) {
	repoID, err := c.GetRepoID(ctx)
	if err != nil {
		return nil, err
	}

	const mutation = `
		mutation($repositoryId: ID!, $title: String!, $body: String!) {
			createIssue(input: {repositoryId: $repositoryId, title: $title, body: $body}) {
				issue { id number url }
			}
		}`
	var data struct {
		CreateIssue struct {
			Issue Issue `json:"issue"`
		} `json:"createIssue"`
	}
	err = c.do(ctx, mutation, map[string]any{
		"repositoryId": repoID,
		"title":        req.Title,
		"body":         req.Body,
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data.CreateIssue.Issue, nil
}

func (c *GraphQLClient) LinkToProject(ctx context.Context, issueID string, projectNumber int) error {
	projectID, err := c.getProjectID(ctx, projectNumber)
	if err != nil {
		return err
	}

	const mutation = `
		mutation($projectId: ID!, $contentId: ID!) {
			addProjectV2ItemById(input: {projectId: $projectId, contentId: $contentId}) {
				item { id }
			}
		}`
	return c.do(ctx, mutation, map[string]any{
		"projectId": projectID,
		"contentId": issueID,
	}, nil)
}

func (c *GraphQLClient) CloseIssue(ctx context.Context, issueID string) error {
	const mutation = `
		mutation($issueId: ID!) {
			closeIssue(input: {issueId: $issueId}) {
				issue { id }
			}
		}`
	return c.do(ctx, mutation, map[string]any{"issueId": issueID}, nil)
}

func (c *GraphQLClient) getProjectID(ctx context.Context, projectNumber int) (string, error) {
	const query = `
		query($owner: String!, $number: Int!) {
			organization(login: $owner) {
				projectV2(number: $number) { id }
			}
		}`
	var data struct {
		Organization struct {
			ProjectV2 struct {
				ID string `json:"id"`
			} `json:"projectV2"`
		} `json:"organization"`
	}
	err := c.do(ctx, query, map[string]any{"owner": c.owner, "number": projectNumber}, &data)
	if err != nil {
		return "", err
	}
	if data.Organization.ProjectV2.ID == "" {
		return "", fmt.Errorf("project %d not found under %s", projectNumber, c.owner)
	}
	return data.Organization.ProjectV2.ID, nil
}
