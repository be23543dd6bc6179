package main

import (
	"time"

	"github.com/auramesh/choreo/orchestration"
)

// exampleWorkflows returns the built-in workflow templates choreod ships
// registered under, keyed by workflow id. A real deployment would load
// these from a YAML catalog instead; this worked example keeps them
// in-process so the server has something to execute out of the box.
func exampleWorkflows() map[string]*orchestration.WorkflowDefinition {
	defs := []*orchestration.WorkflowDefinition{
		{
			WorkflowID:       "order-fulfillment",
			ErrorPolicy:      orchestration.StopOnRequired,
			MaxTotalDuration: 2 * time.Minute,
			Steps: []*orchestration.WorkflowStep{
				{
					StepID:     "reserve-inventory",
					ServiceID:  "inventory-service",
					Endpoint:   "/reservations",
					Method:     "POST",
					Required:   true,
					RetryCount: 2,
					PayloadTemplate: map[string]interface{}{
						"order_id": "$.order_id",
						"sku":      "$.sku",
						"quantity": "$.quantity",
					},
				},
				{
					StepID:     "charge-payment",
					ServiceID:  "payment-service",
					Endpoint:   "/charges",
					Method:     "POST",
					Required:   true,
					DependsOn:  []string{"reserve-inventory"},
					RetryCount: 2,
					PayloadTemplate: map[string]interface{}{
						"order_id": "$.order_id",
						"amount":   "$.amount",
					},
				},
				{
					StepID:          "schedule-shipment",
					ServiceID:       "shipping-service",
					Endpoint:        "/shipments",
					Method:          "POST",
					Required:        false,
					DependsOn:       []string{"charge-payment"},
					FallbackEnabled: true,
					PayloadTemplate: map[string]interface{}{
						"order_id": "$.order_id",
						"address":  "$.address",
					},
				},
				{
					StepID:    "notify-customer",
					ServiceID: "notification-service",
					Endpoint:  "/notifications",
					Method:    "POST",
					Required:  false,
					DependsOn: []string{"schedule-shipment"},
					PayloadTemplate: map[string]interface{}{
						"order_id": "$.order_id",
						"channel":  "email",
					},
				},
			},
		},
		{
			WorkflowID:  "account-closure",
			ErrorPolicy: orchestration.ContinueOnFailure,
			Parallel:    true,
			Steps: []*orchestration.WorkflowStep{
				{
					StepID:    "revoke-access",
					ServiceID: "accounts-service",
					Endpoint:  "/access/revoke",
					Method:    "POST",
					Required:  true,
					PayloadTemplate: map[string]interface{}{
						"account_id": "$.account_id",
					},
				},
				{
					StepID:    "export-data",
					ServiceID: "accounts-service",
					Endpoint:  "/data/export",
					Method:    "POST",
					Required:  false,
					DependsOn: []string{"revoke-access"},
					PayloadTemplate: map[string]interface{}{
						"account_id": "$.account_id",
					},
				},
				{
					StepID:    "billing-final-invoice",
					ServiceID: "billing-service",
					Endpoint:  "/invoices/final",
					Method:    "POST",
					Required:  false,
					DependsOn: []string{"revoke-access"},
					PayloadTemplate: map[string]interface{}{
						"account_id": "$.account_id",
					},
				},
			},
		},
	}

	byID := make(map[string]*orchestration.WorkflowDefinition, len(defs))
	for _, def := range defs {
		byID[def.WorkflowID] = def
	}
	return byID
}
