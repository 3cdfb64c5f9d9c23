package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/DropFlow/TrackFlow/internal/models"
)

// renderEmail и renderSMS выдают готовый текст письма/смс по триггеру.
// Шаблоны французские: магазины платформы работают на FR-рынок.
func renderEmail(t *models.Tracking, trigger string) string {
	switch trigger {
	case models.TriggerDelivery:
		return fmt.Sprintf("Votre commande a été livrée! Numéro de suivi: %s", t.TrackingNumber)
	case models.TriggerException:
		return fmt.Sprintf("Il y a un problème avec votre livraison. Numéro de suivi: %s", t.TrackingNumber)
	default:
		return fmt.Sprintf("Mise à jour de votre livraison: %s. Numéro de suivi: %s", strOrStatus(t), t.TrackingNumber)
	}
}

func emailSubject(trigger string) string {
	switch trigger {
	case models.TriggerDelivery:
		return "Commande livrée!"
	case models.TriggerException:
		return "Problème de livraison"
	default:
		return "Mise à jour de livraison"
	}
}

func renderSMS(t *models.Tracking, trigger string) string {
	order := ""
	if t.OrderID != nil {
		order = *t.OrderID
	}
	switch trigger {
	case models.TriggerDelivery:
		return fmt.Sprintf("Livré! Commande %s - Suivi: %s", order, t.TrackingNumber)
	case models.TriggerException:
		return fmt.Sprintf("Problème livraison! Commande %s - Suivi: %s", order, t.TrackingNumber)
	default:
		return fmt.Sprintf("Mise à jour: %s - Suivi: %s", strOrStatus(t), t.TrackingNumber)
	}
}

type pushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

func renderPush(t *models.Tracking, trigger string) string {
	order := ""
	if t.OrderID != nil {
		order = *t.OrderID
	}
	data := map[string]any{
		"tracking_id":     t.ID,
		"tracking_number": t.TrackingNumber,
		"order_id":        t.OrderID,
	}

	var p pushPayload
	switch trigger {
	case models.TriggerDelivery:
		p = pushPayload{
			Title: "Commande livrée!",
			Body:  fmt.Sprintf("Votre commande %s a été livrée.", order),
			Data:  data,
		}
	case models.TriggerException:
		p = pushPayload{
			Title: "Problème de livraison",
			Body:  fmt.Sprintf("Il y a un problème avec votre commande %s.", order),
			Data:  data,
		}
	default:
		p = pushPayload{
			Title: "Mise à jour de livraison",
			Body:  strOrStatus(t),
			Data:  data,
		}
	}

	b, _ := json.Marshal(p)
	return string(b)
}

type webhookTracking struct {
	ID                uint64  `json:"id"`
	TrackingNumber    string  `json:"tracking_number"`
	Carrier           *string `json:"carrier"`
	Status            string  `json:"status"`
	StatusDescription *string `json:"status_description"`
	LastUpdate        *string `json:"last_update"`
}

type webhookOrder struct {
	ID            string  `json:"id"`
	CustomerName  *string `json:"customer_name"`
	CustomerEmail *string `json:"customer_email"`
}

type webhookPayload struct {
	Event     string          `json:"event"`
	Tracking  webhookTracking `json:"tracking"`
	Order     *webhookOrder   `json:"order"`
	Timestamp string          `json:"timestamp"`
}

// renderWebhook собирает структурированный payload для интеграций партнёров.
func renderWebhook(t *models.Tracking, trigger string, now time.Time) string {
	p := webhookPayload{
		Event: trigger,
		Tracking: webhookTracking{
			ID:                t.ID,
			TrackingNumber:    t.TrackingNumber,
			Carrier:           t.Carrier,
			Status:            t.Status,
			StatusDescription: t.StatusDescription,
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if t.LastUpdate != nil {
		s := t.LastUpdate.UTC().Format(time.RFC3339)
		p.Tracking.LastUpdate = &s
	}
	if t.OrderID != nil {
		p.Order = &webhookOrder{
			ID:            *t.OrderID,
			CustomerName:  t.CustomerName,
			CustomerEmail: t.CustomerEmail,
		}
	}

	b, _ := json.Marshal(p)
	return string(b)
}

func strOrStatus(t *models.Tracking) string {
	if t.StatusDescription != nil && *t.StatusDescription != "" {
		return *t.StatusDescription
	}
	return "Statut: " + t.Status
}
