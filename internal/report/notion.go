package report

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// Notion property names of the monthly sales database.
const (
	PropMonth    = "Month"
	PropInvoices = "Invoices"
	PropLines    = "Line Items"
	PropUnits    = "Units"
	PropRevenue  = "Revenue"
	PropShare    = "Share"
)

// NotionService is the subset of the Notion API the publisher needs.
type NotionService interface {
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error)
	QueryDatabase(ctx context.Context, databaseID string, filter *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

// NotionClient implements NotionService with the Notion SDK.
type NotionClient struct {
	client *notionapi.Client
}

func NewNotionClient(token string) *NotionClient {
	return &NotionClient{client: notionapi.NewClient(notionapi.Token(token))}
}

func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	page, err := n.client.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	})
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}
	return page, nil
}

func (n *NotionClient) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
	page, err := n.client.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{Properties: properties})
	if err != nil {
		return nil, fmt.Errorf("UpdatePage: %w", err)
	}
	return page, nil
}

func (n *NotionClient) QueryDatabase(ctx context.Context, databaseID string, filter *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	resp, err := n.client.Database.Query(ctx, notionapi.DatabaseID(databaseID), filter)
	if err != nil {
		return nil, fmt.Errorf("QueryDatabase: %w", err)
	}
	return resp, nil
}

// PublishResult counts what PublishMonthly did.
type PublishResult struct {
	Created int
	Updated int
	Failed  int
}

// PublishMonthly upserts one Notion page per month of r, keyed by the Month title.
// A page that cannot be written is logged and counted; the rest still go out.
func PublishMonthly(ctx context.Context, svc NotionService, databaseID string, r *Report, dryRun bool) (PublishResult, error) {
	log := logger.FromContext(ctx)
	var res PublishResult

	months, ok := r.Table("month")
	if !ok || len(months.Rows) == 0 {
		log.Info().Int("year", r.Year).Msg("no monthly rows to publish")
		return res, nil
	}

	pages, err := queryAllNotionPages(ctx, svc, databaseID)
	if err != nil {
		return res, fmt.Errorf("PublishMonthly: %w", err)
	}
	existing := make(map[string]string, len(pages))
	for _, page := range pages {
		if month := extractMonth(page); month != "" {
			existing[month] = string(page.ID)
		}
	}
	log.Info().Int("notion_page_count", len(pages)).Int("months", len(months.Rows)).Bool("dry_run", dryRun).Msg("publishing monthly sales")

	for _, row := range months.Rows {
		pageID, found := existing[row.Key]
		if dryRun {
			if found {
				log.Info().Str("month", row.Key).Str("page_id", pageID).Msg("[DRY RUN] Would update Notion page")
				res.Updated++
			} else {
				log.Info().Str("month", row.Key).Msg("[DRY RUN] Would create Notion page")
				res.Created++
			}
			continue
		}

		props := monthProperties(row)
		if found {
			if _, err := svc.UpdatePage(ctx, pageID, props); err != nil {
				log.Warn().Err(err).Str("month", row.Key).Str("page_id", pageID).Msg("failed to update Notion page")
				res.Failed++
				continue
			}
			res.Updated++
			continue
		}
		page, err := svc.CreatePage(ctx, databaseID, props)
		if err != nil {
			log.Warn().Err(err).Str("month", row.Key).Msg("failed to create Notion page")
			res.Failed++
			continue
		}
		log.Debug().Str("month", row.Key).Str("page_id", string(page.ID)).Msg("created Notion page")
		res.Created++
	}

	log.Info().Int("created", res.Created).Int("updated", res.Updated).Int("failed", res.Failed).Msg("monthly sales published")
	return res, nil
}

func monthProperties(row Row) notionapi.Properties {
	return notionapi.Properties{
		PropMonth: notionapi.TitleProperty{
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: row.Key}},
			},
		},
		PropInvoices: notionapi.NumberProperty{Number: float64(row.Invoices)},
		PropLines:    notionapi.NumberProperty{Number: float64(row.Lines)},
		PropUnits:    notionapi.NumberProperty{Number: float64(row.Units)},
		PropRevenue:  notionapi.NumberProperty{Number: row.Revenue},
		PropShare:    notionapi.NumberProperty{Number: row.Share},
	}
}

func queryAllNotionPages(ctx context.Context, svc NotionService, databaseID string) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor
	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: 100}
		if cursor != "" {
			req.StartCursor = cursor
		}
		resp, err := svc.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}
		all = append(all, resp.Results...)
		if !resp.HasMore {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

func extractMonth(page notionapi.Page) string {
	if prop, ok := page.Properties[PropMonth]; ok {
		if title, ok := prop.(*notionapi.TitleProperty); ok && len(title.Title) > 0 {
			return title.Title[0].PlainText
		}
	}
	return ""
}
